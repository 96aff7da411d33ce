package api

import (
	"context"

	"worklog-api/domain"
	"worklog-api/sync"
)

// TaskStore is the task surface handlers consume. Satisfied by
// *services.TaskService.
type TaskStore interface {
	List(ctx context.Context, filters domain.TaskFilters) []domain.Task
	GetByID(ctx context.Context, id string) (domain.Task, bool)
	Save(ctx context.Context, task domain.Task) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	ListProjects(ctx context.Context) []domain.Project
}

// DailyStore is the daily-report surface. Satisfied by
// *services.DailyReportService.
type DailyStore interface {
	GetByDate(ctx context.Context, date string) (domain.DailyReport, bool)
	Save(ctx context.Context, report domain.DailyReport) (domain.DailyReport, error)
	Recent(ctx context.Context, limit int) []domain.DailyReport
	Delete(ctx context.Context, id string) error
}

// WeeklyStore is the weekly-report surface. Satisfied by
// *services.WeeklyReportService.
type WeeklyStore interface {
	GetByRange(ctx context.Context, start, end string) (domain.WeeklyReport, bool)
	Save(ctx context.Context, report domain.WeeklyReport) (domain.WeeklyReport, error)
	Recent(ctx context.Context, limit int) []domain.WeeklyReport
	Derive(ctx context.Context, start, end string) domain.WeeklyReport
}

// Syncer exposes the coordinator to the UI. Satisfied by *sync.Coordinator.
type Syncer interface {
	Status(ctx context.Context) sync.Status
	SyncNow(ctx context.Context) error
}

// SessionManager is the identity lifecycle the UI drives after logging in
// against the backend's auth service. Satisfied by *session.Session.
type SessionManager interface {
	Refresh(token string) (domain.User, error)
	Clear()
	CurrentUser() domain.User
	Authenticated() bool
}

// Preferences is the KV settings surface. Satisfied by *localstore.Store.
type Preferences interface {
	GetPref(ctx context.Context, key, fallback string) (string, error)
	SetPref(ctx context.Context, key, value string) error
}

// Notifier pushes a finished report somewhere visible, best effort.
// Satisfied by *notify.Webhook.
type Notifier interface {
	PushText(ctx context.Context, title, text string) error
}

// DiffSummarizer drafts "what I did" text from a working copy. Satisfied by
// *gitdiff.Summarizer.
type DiffSummarizer interface {
	Summarize(ctx context.Context, repoPath string) (string, error)
}
