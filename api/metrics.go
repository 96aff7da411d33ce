package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// requestLogger emits one structured line per request. Health probes are
// skipped to keep the log readable.
func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/healthz" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			fields := log.Fields{
				"method":   c.Request().Method,
				"route":    c.Path(),
				"status":   status,
				"total_ms": durationToMillis(time.Since(start)),
			}
			entry := logger.WithFields(fields)
			if err != nil {
				entry.WithError(err).Warn("request failed")
				return err
			}
			if status >= 500 {
				entry.Warn("request errored")
			} else {
				entry.Debug("request served")
			}
			return nil
		}
	}
}

func durationToMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
