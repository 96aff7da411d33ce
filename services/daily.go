package services

import (
	"context"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

// defaultRecentReports bounds unqualified history reads.
const defaultRecentReports = 30

// DailyReportService manages one report per user per day. The backend keeps
// a UNIQUE(user_id, date) constraint, so saving twice for the same day is a
// merge, not a duplicate.
type DailyReportService struct {
	deps
}

func NewDailyReportService(local *localstore.Store, rc RemoteStore, healer SchemaHealer, sess Identity, logger *log.Logger) *DailyReportService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &DailyReportService{deps{local: local, remote: rc, healer: healer, sess: sess, logger: logger}}
}

// GetByDate looks a report up by calendar date. The backend is consulted
// first so the freshest copy wins; the cache is the last resort and also the
// only place an unsynced offline save can live.
func (s *DailyReportService) GetByDate(ctx context.Context, date string) (domain.DailyReport, bool) {
	fetchRemote := func(owner []remote.Filter) func(ctx context.Context) (domain.DailyReport, error) {
		return func(ctx context.Context) (domain.DailyReport, error) {
			filters := append([]remote.Filter{remote.Eq("date", date)}, owner...)
			row, err := s.remote.SelectSingle(ctx, localstore.TableDailyReports, filters)
			if err != nil {
				return domain.DailyReport{}, err
			}
			var report domain.DailyReport
			if err := sonic.ConfigStd.Unmarshal(row, &report); err != nil {
				return domain.DailyReport{}, err
			}
			if err := localstore.Put(ctx, s.local, localstore.TableDailyReports, report); err != nil {
				s.logger.WithError(err).WithField("date", date).Warn("report cache update failed")
			}
			return report, nil
		}
	}
	fromCache := func(ctx context.Context) (domain.DailyReport, error) {
		owner := s.ownerID()
		reports, err := localstore.Query(ctx, s.local, localstore.TableDailyReports, func(r domain.DailyReport) bool {
			return r.Date == date && (r.UserID == "" || r.UserID == owner)
		})
		if err != nil {
			return domain.DailyReport{}, err
		}
		if len(reports) == 0 {
			return domain.DailyReport{}, &remote.Error{Kind: remote.KindNotFound, Message: "no cached report for " + date}
		}
		return reports[0], nil
	}

	return firstOf(ctx, s.logger, []strategy[domain.DailyReport]{
		{name: "remote-owner", run: fetchRemote(s.ownerFilter(localstore.TableDailyReports))},
		{name: "remote-ownerless", run: fetchRemote(nil)},
		{name: "local-cache", run: fromCache},
	})
}

// Save upserts today's (or any day's) report. The conflict target follows
// the schema: (user_id, date) when the owner column exists remotely, plain
// id otherwise.
func (s *DailyReportService) Save(ctx context.Context, report domain.DailyReport) (domain.DailyReport, error) {
	now := nowRFC3339()
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt == "" {
		report.CreatedAt = now
	}
	report.UpdatedAt = now
	if report.UserID == "" {
		report.UserID = s.ownerID()
	}

	localErr := localstore.Put(ctx, s.local, localstore.TableDailyReports, report)
	if localErr != nil {
		s.logger.WithError(localErr).WithField("report", report.ID).Warn("local report write failed")
	}

	payload, err := sonic.ConfigStd.Marshal(report)
	if err != nil {
		return report, err
	}

	onConflict := "id"
	if s.healer == nil || s.healer.Capabilities().HasColumn(localstore.TableDailyReports, "user_id") {
		onConflict = "user_id,date"
	}

	var stored []byte
	remoteErr := s.withHeal(ctx, localstore.TableDailyReports, func() error {
		var err error
		stored, err = s.remote.Upsert(ctx, localstore.TableDailyReports, payload, onConflict)
		return err
	})
	if remoteErr != nil {
		s.enqueue(ctx, localstore.TableDailyReports, domain.ActionUpdate, payload)
		if localErr != nil {
			return report, remoteErr
		}
		return report, nil
	}

	if len(stored) > 0 {
		var fromServer domain.DailyReport
		if err := sonic.ConfigStd.Unmarshal(stored, &fromServer); err == nil && fromServer.ID != "" {
			report = fromServer
			if err := localstore.Put(ctx, s.local, localstore.TableDailyReports, report); err != nil {
				s.logger.WithError(err).WithField("report", report.ID).Warn("local report write-back failed")
			}
		}
	}
	return report, nil
}

// Recent returns the latest reports, newest first. Cache-first with a
// background refresh, same shape as task listing.
func (s *DailyReportService) Recent(ctx context.Context, limit int) []domain.DailyReport {
	if limit <= 0 {
		limit = defaultRecentReports
	}
	owner := s.ownerID()
	cached, err := localstore.Query(ctx, s.local, localstore.TableDailyReports, func(r domain.DailyReport) bool {
		return r.UserID == "" || r.UserID == owner
	})
	if err != nil {
		s.logger.WithError(err).Warn("local report query failed, going remote-only")
	}
	if len(cached) > 0 {
		sortReportsByDateDesc(cached)
		if len(cached) > limit {
			cached = cached[:limit]
		}
		s.background("refresh-reports", func(ctx context.Context) {
			s.RefreshRecent(ctx, limit)
		})
		return cached
	}

	refreshed, ok := s.RefreshRecent(ctx, limit)
	if !ok {
		return []domain.DailyReport{}
	}
	return refreshed
}

// Delete removes a report outright. Unlike tasks there is no tombstone;
// history for a day the user retracted should not linger.
func (s *DailyReportService) Delete(ctx context.Context, id string) error {
	if err := s.local.DeleteRow(ctx, localstore.TableDailyReports, id); err != nil {
		s.logger.WithError(err).WithField("report", id).Warn("local report delete failed")
	}
	remoteErr := s.withHeal(ctx, localstore.TableDailyReports, func() error {
		return s.remote.Delete(ctx, localstore.TableDailyReports, id)
	})
	if remoteErr != nil {
		if remote.KindOf(remoteErr) == remote.KindNotFound {
			return nil
		}
		payload, err := sonic.ConfigStd.Marshal(map[string]string{"id": id})
		if err != nil {
			return err
		}
		s.enqueue(ctx, localstore.TableDailyReports, domain.ActionDelete, payload)
	}
	return nil
}

// RefreshRecent pulls the latest reports from the backend into the cache.
func (s *DailyReportService) RefreshRecent(ctx context.Context, limit int) ([]domain.DailyReport, bool) {
	if limit <= 0 {
		limit = defaultRecentReports
	}
	fetch := func(owner []remote.Filter) func(ctx context.Context) ([]domain.DailyReport, error) {
		return func(ctx context.Context) ([]domain.DailyReport, error) {
			rows, err := s.remote.Select(ctx, localstore.TableDailyReports, owner, "date.desc", limit)
			if err != nil {
				return nil, err
			}
			return decodeRows[domain.DailyReport](rows)
		}
	}
	reports, ok := firstOf(ctx, s.logger, []strategy[[]domain.DailyReport]{
		{name: "remote-owner", run: fetch(s.ownerFilter(localstore.TableDailyReports))},
		{name: "remote-ownerless", run: fetch(nil)},
	})
	if !ok {
		return nil, false
	}
	if len(reports) > 0 {
		if err := localstore.BulkPut(ctx, s.local, localstore.TableDailyReports, reports); err != nil {
			s.logger.WithError(err).Warn("report cache update failed")
		}
	}
	return reports, true
}

func sortReportsByDateDesc(reports []domain.DailyReport) {
	// Dates are ISO yyyy-mm-dd, so string order is date order.
	sort.Slice(reports, func(i, j int) bool { return reports[i].Date > reports[j].Date })
}
