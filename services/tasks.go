package services

import (
	"context"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

// TaskService manages the task list with soft-delete semantics: deleted
// tasks keep their rows but never show up in listings.
type TaskService struct {
	deps
}

func NewTaskService(local *localstore.Store, rc RemoteStore, healer SchemaHealer, sess Identity, logger *log.Logger) *TaskService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{deps{local: local, remote: rc, healer: healer, sess: sess, logger: logger}}
}

// List returns tasks matching filters, serving the cache first and
// refreshing from the backend in the background. It degrades to an empty
// slice rather than failing.
func (s *TaskService) List(ctx context.Context, filters domain.TaskFilters) []domain.Task {
	cached, err := localstore.Query(ctx, s.local, localstore.TableTasks, func(t domain.Task) bool {
		return matchesTaskFilters(t, filters)
	})
	if err != nil {
		s.logger.WithError(err).Warn("local task query failed, going remote-only")
	}
	if len(cached) > 0 {
		s.background("refresh-tasks", func(ctx context.Context) {
			s.Refresh(ctx, filters)
		})
		return cached
	}

	refreshed, ok := s.Refresh(ctx, filters)
	if !ok {
		return []domain.Task{}
	}
	return refreshed
}

// GetByID returns one task. Cache hits are returned immediately and
// refreshed in the background; misses fall through to the backend.
func (s *TaskService) GetByID(ctx context.Context, id string) (domain.Task, bool) {
	task, hit, err := localstore.Get[domain.Task](ctx, s.local, localstore.TableTasks, id)
	if err != nil {
		s.logger.WithError(err).WithField("task", id).Warn("local task read failed")
	}
	if hit {
		s.background("refresh-task", func(ctx context.Context) {
			s.refreshOne(ctx, id)
		})
		return task, true
	}
	return s.refreshOne(ctx, id)
}

// Save upserts a task: a client id is assigned when absent, timestamps are
// stamped, the local copy is written synchronously, and a failed backend
// write is queued for later replay. The returned task reflects what the
// caller can read back immediately.
func (s *TaskService) Save(ctx context.Context, task domain.Task) (domain.Task, error) {
	isNew := task.ID == ""
	now := nowRFC3339()
	if isNew {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt == "" {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.UserID == "" {
		task.UserID = s.ownerID()
	}
	if task.Status == "" {
		task.Status = domain.StatusTodo
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityMedium
	}

	localErr := localstore.Put(ctx, s.local, localstore.TableTasks, task)
	if localErr != nil {
		s.logger.WithError(localErr).WithField("task", task.ID).Warn("local task write failed")
	}

	payload, err := sonic.ConfigStd.Marshal(task)
	if err != nil {
		return task, err
	}

	var stored []byte
	remoteErr := s.withHeal(ctx, localstore.TableTasks, func() error {
		var err error
		stored, err = s.remote.Upsert(ctx, localstore.TableTasks, payload, "id")
		return err
	})
	if remoteErr != nil {
		kind := domain.ActionUpdate
		if isNew {
			kind = domain.ActionCreate
		}
		s.enqueue(ctx, localstore.TableTasks, kind, payload)
		if localErr != nil {
			// Neither store accepted the write.
			return task, remoteErr
		}
		return task, nil
	}

	if len(stored) > 0 {
		var fromServer domain.Task
		if err := sonic.ConfigStd.Unmarshal(stored, &fromServer); err == nil && fromServer.ID != "" {
			task = fromServer
			if err := localstore.Put(ctx, s.local, localstore.TableTasks, task); err != nil {
				s.logger.WithError(err).WithField("task", task.ID).Warn("local task write-back failed")
			}
		}
	}
	return task, nil
}

// Delete soft-deletes: the row survives with is_deleted set so listings
// exclude it everywhere while history stays intact.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	now := nowRFC3339()
	task, hit, err := localstore.Get[domain.Task](ctx, s.local, localstore.TableTasks, id)
	if err != nil {
		s.logger.WithError(err).WithField("task", id).Warn("local task read failed")
	}
	if hit {
		task.IsDeleted = true
		task.UpdatedAt = now
		if err := localstore.Put(ctx, s.local, localstore.TableTasks, task); err != nil {
			s.logger.WithError(err).WithField("task", id).Warn("local soft-delete failed")
		}
	}

	patch := map[string]any{"id": id, "is_deleted": true, "updated_at": now}
	payload, err := sonic.ConfigStd.Marshal(patch)
	if err != nil {
		return err
	}
	remoteErr := s.withHeal(ctx, localstore.TableTasks, func() error {
		_, err := s.remote.Update(ctx, localstore.TableTasks, id, payload)
		return err
	})
	if remoteErr != nil {
		s.enqueue(ctx, localstore.TableTasks, domain.ActionUpdate, payload)
	}
	return nil
}

// Refresh fetches matching tasks from the backend and reconciles the cache.
// ok is false when every strategy failed; the cache is then all there is.
func (s *TaskService) Refresh(ctx context.Context, filters domain.TaskFilters) ([]domain.Task, bool) {
	fetch := func(owner []remote.Filter) func(ctx context.Context) ([]domain.Task, error) {
		return func(ctx context.Context) ([]domain.Task, error) {
			remoteFilters := append([]remote.Filter{remote.Eq("is_deleted", "false")}, owner...)
			if filters.Status != "" {
				remoteFilters = append(remoteFilters, remote.Eq("status", filters.Status))
			}
			if filters.Priority != "" {
				remoteFilters = append(remoteFilters, remote.Eq("priority", filters.Priority))
			}
			if filters.ProjectID != "" {
				remoteFilters = append(remoteFilters, remote.Eq("project_id", filters.ProjectID))
			}
			if filters.DueDateFrom != "" {
				remoteFilters = append(remoteFilters, remote.Gte("due_date", filters.DueDateFrom))
			}
			if filters.DueDateTo != "" {
				remoteFilters = append(remoteFilters, remote.Lte("due_date", filters.DueDateTo))
			}
			rows, err := s.remote.Select(ctx, localstore.TableTasks, remoteFilters, "due_date.asc", 0)
			if err != nil {
				return nil, err
			}
			return decodeRows[domain.Task](rows)
		}
	}

	strategies := []strategy[[]domain.Task]{
		{name: "remote-owner", run: fetch(s.ownerFilter(localstore.TableTasks))},
		{name: "remote-ownerless", run: fetch(nil)},
	}
	tasks, ok := firstOf(ctx, s.logger, strategies)
	if !ok {
		return nil, false
	}

	// Free-text search stays client-side; the cache filter below applies it
	// the same way.
	if filters.SearchText != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if matchesSearch(t, filters.SearchText) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if len(tasks) > 0 {
		if err := localstore.BulkPut(ctx, s.local, localstore.TableTasks, tasks); err != nil {
			s.logger.WithError(err).Warn("task cache update failed")
		}
	}
	return tasks, true
}

// ListProjects returns the projects tasks can be grouped under, cache-first.
func (s *TaskService) ListProjects(ctx context.Context) []domain.Project {
	cached, err := localstore.Query(ctx, s.local, localstore.TableProjects, func(domain.Project) bool { return true })
	if err != nil {
		s.logger.WithError(err).Warn("local project query failed")
	}
	if len(cached) > 0 {
		s.background("refresh-projects", func(ctx context.Context) {
			s.refreshProjects(ctx)
		})
		return cached
	}
	projects, ok := s.refreshProjects(ctx)
	if !ok {
		return []domain.Project{}
	}
	return projects
}

func (s *TaskService) refreshProjects(ctx context.Context) ([]domain.Project, bool) {
	fetch := func(owner []remote.Filter) func(ctx context.Context) ([]domain.Project, error) {
		return func(ctx context.Context) ([]domain.Project, error) {
			rows, err := s.remote.Select(ctx, localstore.TableProjects, owner, "name.asc", 0)
			if err != nil {
				return nil, err
			}
			return decodeRows[domain.Project](rows)
		}
	}
	projects, ok := firstOf(ctx, s.logger, []strategy[[]domain.Project]{
		{name: "remote-owner", run: fetch(s.ownerFilter(localstore.TableProjects))},
		{name: "remote-ownerless", run: fetch(nil)},
	})
	if !ok {
		return nil, false
	}
	if len(projects) > 0 {
		if err := localstore.BulkPut(ctx, s.local, localstore.TableProjects, projects); err != nil {
			s.logger.WithError(err).Warn("project cache update failed")
		}
	}
	return projects, true
}

func (s *TaskService) refreshOne(ctx context.Context, id string) (domain.Task, bool) {
	row, err := s.remote.SelectSingle(ctx, localstore.TableTasks, []remote.Filter{remote.Eq("id", id)})
	if err != nil {
		if remote.KindOf(err) != remote.KindNotFound {
			s.logger.WithError(err).WithField("task", id).Debug("task refresh failed")
		}
		return domain.Task{}, false
	}
	var task domain.Task
	if err := sonic.ConfigStd.Unmarshal(row, &task); err != nil {
		return domain.Task{}, false
	}
	if err := localstore.Put(ctx, s.local, localstore.TableTasks, task); err != nil {
		s.logger.WithError(err).WithField("task", id).Warn("task cache update failed")
	}
	return task, true
}

func matchesTaskFilters(t domain.Task, f domain.TaskFilters) bool {
	if t.IsDeleted {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.DueDateFrom != "" && t.DueDate != "" && t.DueDate < f.DueDateFrom {
		return false
	}
	if f.DueDateTo != "" && t.DueDate != "" && t.DueDate > f.DueDateTo {
		return false
	}
	if f.SearchText != "" && !matchesSearch(t, f.SearchText) {
		return false
	}
	return true
}

func matchesSearch(t domain.Task, text string) bool {
	needle := strings.ToLower(text)
	return strings.Contains(strings.ToLower(t.Title), needle) ||
		strings.Contains(strings.ToLower(t.Description), needle)
}

func decodeRows[T any](rows [][]byte) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var val T
		if err := sonic.ConfigStd.Unmarshal(row, &val); err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
