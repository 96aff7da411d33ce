// Package api is the local HTTP surface the desktop UI talks to. The UI
// performs auth against the hosted backend itself and hands tokens down via
// the session endpoints; everything else is entity CRUD and sync control.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/sync"
)

const requestBodyMaxSize = 1 << 20

// Deps bundles everything the routes need.
type Deps struct {
	Tasks    TaskStore
	Dailies  DailyStore
	Weeklies WeeklyStore
	Sync     Syncer
	Session  SessionManager
	Prefs    Preferences
	Notify   Notifier
	Diff     DiffSummarizer
	Logger   *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.Use(requestLogger(d.Logger))

	e.GET("/healthz", healthz())

	e.GET("/api/tasks", getTasks(d.Tasks))
	e.GET("/api/tasks/:id", getTask(d.Tasks))
	e.POST("/api/tasks", saveTask(d.Tasks))
	e.DELETE("/api/tasks/:id", deleteTask(d.Tasks))
	e.GET("/api/projects", getProjects(d.Tasks))

	e.GET("/api/reports/daily", getRecentDailies(d.Dailies))
	e.GET("/api/reports/daily/:date", getDaily(d.Dailies))
	e.POST("/api/reports/daily", saveDaily(d.Dailies))
	e.DELETE("/api/reports/daily/:id", deleteDaily(d.Dailies))
	e.POST("/api/reports/daily/:date/push", pushDaily(d.Dailies, d.Notify))

	e.GET("/api/reports/weekly", getRecentWeeklies(d.Weeklies))
	e.GET("/api/reports/weekly/range", getWeekly(d.Weeklies))
	e.POST("/api/reports/weekly", saveWeekly(d.Weeklies))
	e.POST("/api/reports/weekly/derive", deriveWeekly(d.Weeklies))

	e.GET("/api/sync/status", syncStatus(d.Sync))
	e.POST("/api/sync/now", syncNow(d.Sync))

	e.POST("/api/session", refreshSession(d.Session))
	e.DELETE("/api/session", clearSession(d.Session))
	e.GET("/api/session", currentSession(d.Session))

	e.GET("/api/preferences/:key", getPreference(d.Prefs))
	e.PUT("/api/preferences/:key", setPreference(d.Prefs))

	e.GET("/api/gitdiff", gitDiff(d.Diff))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(out)
}

func getTasks(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		filters := domain.TaskFilters{
			Status:      c.QueryParam("status"),
			Priority:    c.QueryParam("priority"),
			ProjectID:   c.QueryParam("project_id"),
			DueDateFrom: c.QueryParam("due_from"),
			DueDateTo:   c.QueryParam("due_to"),
			SearchText:  c.QueryParam("q"),
		}
		if filters.Status != "" && !domain.ValidStatus(filters.Status) {
			return c.String(http.StatusBadRequest, "invalid status")
		}
		if filters.Priority != "" && !domain.ValidPriority(filters.Priority) {
			return c.String(http.StatusBadRequest, "invalid priority")
		}
		return c.JSON(http.StatusOK, tasks.List(c.Request().Context(), filters))
	}
}

func getTask(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, ok := tasks.GetByID(c.Request().Context(), c.Param("id"))
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func saveTask(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var task domain.Task
		if err := decodeBody(c, &task); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(task.Title) == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		if task.Status != "" && !domain.ValidStatus(task.Status) {
			return c.String(http.StatusBadRequest, "invalid status")
		}
		if task.Priority != "" && !domain.ValidPriority(task.Priority) {
			return c.String(http.StatusBadRequest, "invalid priority")
		}
		saved, err := tasks.Save(c.Request().Context(), task)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "save failed")
		}
		return c.JSON(http.StatusOK, saved)
	}
}

func deleteTask(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "delete failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getProjects(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, tasks.ListProjects(c.Request().Context()))
	}
}

func getRecentDailies(dailies DailyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 0
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			limit = n
		}
		return c.JSON(http.StatusOK, dailies.Recent(c.Request().Context(), limit))
	}
}

func getDaily(dailies DailyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		date := c.Param("date")
		if !validDate(date) {
			return c.String(http.StatusBadRequest, "invalid date")
		}
		report, ok := dailies.GetByDate(c.Request().Context(), date)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusOK, report)
	}
}

func saveDaily(dailies DailyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var report domain.DailyReport
		if err := decodeBody(c, &report); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !validDate(report.Date) {
			return c.String(http.StatusBadRequest, "invalid date")
		}
		saved, err := dailies.Save(c.Request().Context(), report)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "save failed")
		}
		return c.JSON(http.StatusOK, saved)
	}
}

func deleteDaily(dailies DailyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := dailies.Delete(c.Request().Context(), c.Param("id")); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "delete failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func pushDaily(dailies DailyStore, notify Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		if notify == nil {
			return c.String(http.StatusServiceUnavailable, "no webhook configured")
		}
		date := c.Param("date")
		if !validDate(date) {
			return c.String(http.StatusBadRequest, "invalid date")
		}
		ctx := c.Request().Context()
		report, ok := dailies.GetByDate(ctx, date)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		if err := notify.PushText(ctx, "Daily report "+date, formatDaily(report)); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusBadGateway, "push failed")
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func getRecentWeeklies(weeklies WeeklyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 0
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			limit = n
		}
		return c.JSON(http.StatusOK, weeklies.Recent(c.Request().Context(), limit))
	}
}

func getWeekly(weeklies WeeklyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		start, end := c.QueryParam("start"), c.QueryParam("end")
		if !validDate(start) || !validDate(end) || end < start {
			return c.String(http.StatusBadRequest, "invalid range")
		}
		report, ok := weeklies.GetByRange(c.Request().Context(), start, end)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusOK, report)
	}
}

func saveWeekly(weeklies WeeklyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var report domain.WeeklyReport
		if err := decodeBody(c, &report); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !validDate(report.StartDate) || !validDate(report.EndDate) || report.EndDate < report.StartDate {
			return c.String(http.StatusBadRequest, "invalid range")
		}
		saved, err := weeklies.Save(c.Request().Context(), report)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "save failed")
		}
		return c.JSON(http.StatusOK, saved)
	}
}

func deriveWeekly(weeklies WeeklyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		start, end := c.QueryParam("start"), c.QueryParam("end")
		if !validDate(start) || !validDate(end) || end < start {
			return c.String(http.StatusBadRequest, "invalid range")
		}
		return c.JSON(http.StatusOK, weeklies.Derive(c.Request().Context(), start, end))
	}
}

func syncStatus(s Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.Status(c.Request().Context()))
	}
}

func syncNow(s Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.SyncNow(c.Request().Context()); err != nil {
			if errors.Is(err, sync.ErrNotAuthenticated) {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusBadGateway, err.Error())
		}
		return c.JSON(http.StatusOK, s.Status(c.Request().Context()))
	}
}

type sessionRequest struct {
	AccessToken string `json:"access_token"`
}

func refreshSession(sess SessionManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req sessionRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		user, err := sess.Refresh(req.AccessToken)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, user)
	}
}

func clearSession(sess SessionManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess.Clear()
		return c.NoContent(http.StatusNoContent)
	}
}

func currentSession(sess SessionManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"user":          sess.CurrentUser(),
			"authenticated": sess.Authenticated(),
		})
	}
}

var knownPrefs = map[string]bool{
	localstore.PrefTheme:       true,
	localstore.PrefAutoSync:    true,
	localstore.PrefOfflineMode: true,
}

func getPreference(prefs Preferences) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("key")
		if !knownPrefs[key] {
			return c.String(http.StatusNotFound, "unknown preference")
		}
		val, err := prefs.GetPref(c.Request().Context(), key, "")
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "read failed")
		}
		return c.JSON(http.StatusOK, map[string]string{"key": key, "value": val})
	}
}

func setPreference(prefs Preferences) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("key")
		if !knownPrefs[key] {
			return c.String(http.StatusNotFound, "unknown preference")
		}
		var req struct {
			Value string `json:"value"`
		}
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := prefs.SetPref(c.Request().Context(), key, req.Value); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "write failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func gitDiff(diff DiffSummarizer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if diff == nil {
			return c.String(http.StatusServiceUnavailable, "git summarizer disabled")
		}
		path := c.QueryParam("path")
		if path == "" {
			return c.String(http.StatusBadRequest, "path is required")
		}
		summary, err := diff.Summarize(c.Request().Context(), path)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusUnprocessableEntity, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"summary": summary})
	}
}

// validDate accepts ISO yyyy-mm-dd.
func validDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, r := range s {
		if i == 4 || i == 7 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func formatDaily(r domain.DailyReport) string {
	var b strings.Builder
	b.WriteString("Date: " + r.Date + "\n")
	if r.TaskName != "" {
		b.WriteString("Task: " + r.TaskName + "\n")
	}
	if r.ShouldComplete != "" {
		b.WriteString("Planned: " + r.ShouldComplete + "\n")
	}
	if r.Completed != "" {
		b.WriteString("Completed: " + r.Completed + "\n")
	}
	if r.Uncompleted != "" {
		b.WriteString("Uncompleted: " + r.Uncompleted + "\n")
	}
	if r.PlanHours != "" || r.ActualHours != "" {
		b.WriteString("Hours: " + r.PlanHours + " planned, " + r.ActualHours + " actual\n")
	}
	if r.Remarks != "" {
		b.WriteString("Remarks: " + r.Remarks + "\n")
	}
	return b.String()
}
