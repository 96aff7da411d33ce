// Package sync drains the pending-action queue against the backend and keeps
// the local cache warm. It is the only writer of the queue's synced flags.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
	"worklog-api/services"
)

// entityTables is the drain and subscription order. Tasks first so project
// and report rows referencing them land after their targets.
var entityTables = []string{
	localstore.TableTasks,
	localstore.TableProjects,
	localstore.TableDailyReports,
	localstore.TableWeeklyReports,
}

// State is the coordinator's externally visible mode.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
)

const (
	defaultSyncInterval = 10 * time.Minute
	probeInterval       = 30 * time.Second
	actionTimeout       = 15 * time.Second
	purgeAfter          = 24 * time.Hour
	cacheRefreshLimit   = 50
)

// ErrNotAuthenticated is returned when a sync is requested while only the
// guest identity is held. Guest data stays local until a real login.
var ErrNotAuthenticated = errors.New("sync requires an authenticated session")

// Pinger probes backend reachability. Satisfied by *remote.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Subscriber delivers row-level change events. Satisfied by *remote.Client.
type Subscriber interface {
	SubscribeChanges(ctx context.Context, table, ownerID string, onChange remote.ChangeHandler) *remote.Subscription
}

// Status is the snapshot the UI's sync indicator renders.
type Status struct {
	State      State     `json:"state"`
	Online     bool      `json:"online"`
	LastSync   time.Time `json:"last_sync"`
	QueueDepth int       `json:"queue_depth"`
}

// Coordinator owns the background sync lifecycle: an interval timer, a
// connectivity probe that triggers an immediate drain on reconnect, and the
// manual SyncNow entry point. Drains never run concurrently.
type Coordinator struct {
	local    *localstore.Store
	remote   services.RemoteStore
	healer   services.SchemaHealer
	sess     services.Identity
	pinger   Pinger
	logger   *log.Logger
	interval time.Duration

	dailies *services.DailyReportService
	weekly  *services.WeeklyReportService
	tasks   *services.TaskService

	syncMu sync.Mutex

	mu       sync.RWMutex
	state    State
	online   bool
	lastSync time.Time

	subscriber Subscriber
	subs       []*remote.Subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// Config bundles the coordinator's collaborators.
type Config struct {
	Local    *localstore.Store
	Remote   services.RemoteStore
	Healer   services.SchemaHealer
	Session  services.Identity
	Pinger   Pinger
	Feed     Subscriber
	Tasks    *services.TaskService
	Dailies  *services.DailyReportService
	Weeklies *services.WeeklyReportService
	Interval time.Duration
	Logger   *log.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSyncInterval
	}
	return &Coordinator{
		local:      cfg.Local,
		remote:     cfg.Remote,
		healer:     cfg.Healer,
		sess:       cfg.Session,
		pinger:     cfg.Pinger,
		subscriber: cfg.Feed,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		tasks:      cfg.Tasks,
		dailies:    cfg.Dailies,
		weekly:     cfg.Weeklies,
		state:      StateIdle,
		online:     true,
	}
}

// Start launches the background loop and the realtime feeds. Call Stop to
// tear everything down.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)

	if c.subscriber != nil {
		owner := ""
		if c.sess.Authenticated() {
			owner = c.sess.CurrentUser().ID
		}
		for _, table := range entityTables {
			table := table
			sub := c.subscriber.SubscribeChanges(runCtx, table, owner, func(kind string, record []byte) {
				c.applyChange(table, kind, record)
			})
			c.subs = append(c.subs, sub)
		}
	}
}

// Stop cancels the background loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	<-c.done
}

// applyChange folds one realtime event into the cache. Deletes drop the row;
// everything else is an upsert of the server's copy.
func (c *Coordinator) applyChange(table, kind string, record []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	switch kind {
	case remote.ChangeDelete:
		id, err := payloadID(record)
		if err != nil {
			c.logger.WithError(err).WithField("table", table).Debug("delete event without id")
			return
		}
		if err := c.local.DeleteRow(ctx, table, id); err != nil {
			c.logger.WithError(err).WithField("table", table).Warn("applying delete event failed")
		}
	case remote.ChangeInsert, remote.ChangeUpdate:
		if err := c.local.PutRaw(ctx, table, record); err != nil {
			c.logger.WithError(err).WithField("table", table).Warn("applying change event failed")
		}
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	probe := time.NewTicker(probeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SyncNow(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
				c.logger.WithError(err).Warn("scheduled sync failed")
			}
		case <-probe.C:
			c.checkConnectivity(ctx)
		}
	}
}

func (c *Coordinator) checkConnectivity(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	err := c.pinger.Ping(probeCtx)
	cancel()

	c.mu.Lock()
	was := c.online
	c.online = err == nil
	if !c.online && c.state != StateSyncing {
		c.state = StateOffline
	}
	if c.online && c.state == StateOffline {
		c.state = StateIdle
	}
	now := c.online
	c.mu.Unlock()

	if was && !now {
		c.logger.Warn("backend connectivity lost")
	}
	if !was && now {
		c.logger.Info("backend connectivity restored")
		if err := c.SyncNow(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			c.logger.WithError(err).Warn("post-reconnect sync failed")
		}
	}
}

// Status returns the current snapshot for the UI indicator.
func (c *Coordinator) Status(ctx context.Context) Status {
	c.mu.RLock()
	st := Status{State: c.state, Online: c.online, LastSync: c.lastSync}
	c.mu.RUnlock()
	if depth, err := c.local.UnsyncedActionCount(ctx); err == nil {
		st.QueueDepth = depth
	}
	return st
}

// SyncNow drains the queue once and refreshes the cache. It is safe to call
// from any goroutine; concurrent callers serialize.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	if !c.sess.Authenticated() {
		return ErrNotAuthenticated
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.setState(StateSyncing)
	replayed, failed, err := c.drain(ctx)
	if err != nil {
		c.setState(StateOffline)
		return err
	}
	if failed > 0 && replayed == 0 {
		// Not a single round-trip succeeded, so nothing proved the backend
		// reachable. The probe loop owns flipping back online.
		c.mu.Lock()
		c.state = StateOffline
		c.online = false
		c.mu.Unlock()
		return nil
	}

	c.refreshLocalCache(ctx)

	c.mu.Lock()
	c.state = StateIdle
	c.online = true
	c.lastSync = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// drain replays unsynced actions table by table, oldest first within each
// table. One failing action is logged and skipped; it stays queued for the
// next cycle and never blocks the rest of the batch. The counts let the
// caller judge whether any round-trip actually reached the backend.
func (c *Coordinator) drain(ctx context.Context) (replayed, failed int, err error) {
	actions, err := c.local.ListUnsyncedActions(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(actions) == 0 {
		return 0, 0, nil
	}

	grouped := make(map[string][]domain.PendingAction)
	for _, a := range actions {
		grouped[a.Table] = append(grouped[a.Table], a)
	}

	for _, table := range entityTables {
		for _, action := range grouped[table] {
			actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
			err := c.replay(actionCtx, action)
			cancel()
			if err != nil {
				failed++
				c.logger.WithError(err).WithFields(log.Fields{
					"action": action.ID,
					"table":  action.Table,
					"kind":   action.Kind,
				}).Warn("pending action replay failed, keeping queued")
				continue
			}
			if err := c.local.MarkActionSynced(ctx, action.ID); err != nil {
				c.logger.WithError(err).WithField("action", action.ID).
					Error("replayed action could not be marked synced")
			}
			replayed++
		}
	}

	if n, err := c.local.PurgeSyncedActions(ctx, purgeAfter); err == nil && n > 0 {
		c.logger.WithField("purged", n).Debug("dropped old synced actions")
	}

	c.logger.WithFields(log.Fields{"replayed": replayed, "failed": failed}).
		Info("pending action queue drained")
	return replayed, failed, nil
}

// replay maps one queued action onto a backend write. Creates and updates
// both land as merge upserts so a replay after a half-applied earlier attempt
// cannot duplicate rows.
func (c *Coordinator) replay(ctx context.Context, action domain.PendingAction) error {
	switch action.Kind {
	case domain.ActionCreate, domain.ActionUpdate:
		_, err := c.withHeal(ctx, action.Table, func() ([]byte, error) {
			return c.remote.Upsert(ctx, action.Table, action.Payload, c.conflictKey(action.Table))
		})
		return err
	case domain.ActionDelete:
		id, err := payloadID(action.Payload)
		if err != nil {
			return err
		}
		_, err = c.withHeal(ctx, action.Table, func() ([]byte, error) {
			return nil, c.remote.Delete(ctx, action.Table, id)
		})
		return err
	default:
		return errors.New("unknown action kind " + action.Kind)
	}
}

func (c *Coordinator) conflictKey(table string) string {
	if table == localstore.TableDailyReports &&
		(c.healer == nil || c.healer.Capabilities().HasColumn(table, "user_id")) {
		return "user_id,date"
	}
	return "id"
}

func (c *Coordinator) withHeal(ctx context.Context, table string, op func() ([]byte, error)) ([]byte, error) {
	out, err := op()
	if err == nil {
		return out, nil
	}
	if c.healer != nil && c.healer.HealFromError(ctx, table, err) {
		return op()
	}
	return nil, err
}

func payloadID(payload []byte) (string, error) {
	var fields struct {
		ID string `json:"id"`
	}
	if err := sonic.ConfigStd.Unmarshal(payload, &fields); err != nil {
		return "", err
	}
	if fields.ID == "" {
		return "", errors.New("action payload has no id")
	}
	return fields.ID, nil
}

// refreshLocalCache pulls recent records for every entity so the next offline
// stretch starts from a warm cache. Failures are logged by the services.
func (c *Coordinator) refreshLocalCache(ctx context.Context) {
	if c.tasks != nil {
		c.tasks.Refresh(ctx, domain.TaskFilters{})
	}
	if c.dailies != nil {
		c.dailies.RefreshRecent(ctx, cacheRefreshLimit)
	}
	if c.weekly != nil {
		c.weekly.RefreshRecent(ctx, cacheRefreshLimit)
	}
}
