package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"worklog-api/api"
	"worklog-api/gitdiff"
	"worklog-api/localstore"
	"worklog-api/notify"
	"worklog-api/remote"
	"worklog-api/services"
	"worklog-api/session"
	"worklog-api/sync"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	baseURL := os.Getenv("SUPABASE_URL")
	apiKey := os.Getenv("SUPABASE_ANON_KEY")
	if baseURL == "" || apiKey == "" {
		log.Fatal("missing backend config")
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("resolve home dir: %v", err)
		}
		dbPath = filepath.Join(home, ".worklog", "worklog.db")
	}

	syncInterval := 10 * time.Minute
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SYNC_INTERVAL: %v", err)
		}
		syncInterval = d
	}

	sess := buildSession()

	store, err := localstore.Open(dbPath)
	if err != nil {
		log.Fatalf("local store: %v", err)
	}
	defer store.Close()

	client := remote.NewClient(baseURL, apiKey, sess, logger)
	healer := remote.NewHealer(client, remote.NewCapabilities(), logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	healer.Startup(startupCtx)
	cancelStartup()

	tasks := services.NewTaskService(store, client, healer, sess, logger)
	dailies := services.NewDailyReportService(store, client, healer, sess, logger)
	weeklies := services.NewWeeklyReportService(store, client, healer, sess, dailies, logger)

	coordinator := sync.NewCoordinator(sync.Config{
		Local:    store,
		Remote:   client,
		Healer:   healer,
		Session:  sess,
		Pinger:   client,
		Feed:     client,
		Tasks:    tasks,
		Dailies:  dailies,
		Weeklies: weeklies,
		Interval: syncInterval,
		Logger:   logger,
	})
	runCtx, cancelRun := context.WithCancel(context.Background())
	coordinator.Start(runCtx)

	var notifier api.Notifier
	if url := os.Getenv("DINGTALK_WEBHOOK_URL"); url != "" {
		notifier = notify.NewWebhook(url, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, api.Deps{
		Tasks:    tasks,
		Dailies:  dailies,
		Weeklies: weeklies,
		Sync:     coordinator,
		Session:  sess,
		Prefs:    store,
		Notify:   notifier,
		Diff:     gitdiff.NewSummarizer(logger),
		Logger:   logger,
	})

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8090"
	}

	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelRun()
	coordinator.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}

// buildSession picks the token validation mode: a JWKS endpoint when
// configured, otherwise the project's shared JWT secret.
func buildSession() *session.Session {
	audience := os.Getenv("JWT_AUDIENCE")
	if audience == "" {
		audience = "authenticated"
	}
	if jwksURL := os.Getenv("SUPABASE_JWKS_URL"); jwksURL != "" {
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		return session.NewWithJWKS(jwks, audience)
	}
	secret := os.Getenv("SUPABASE_JWT_SECRET")
	if secret == "" {
		log.Fatal("missing JWT config: set SUPABASE_JWT_SECRET or SUPABASE_JWKS_URL")
	}
	return session.New([]byte(secret), audience)
}
