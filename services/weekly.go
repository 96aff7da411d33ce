package services

import (
	"context"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

// WeeklyReportService manages week-spanning summaries. A weekly report is
// keyed by its (start_date, end_date) window per owner; Derive can prefill
// one from the daily reports inside that window.
type WeeklyReportService struct {
	deps
	dailies *DailyReportService
}

func NewWeeklyReportService(local *localstore.Store, rc RemoteStore, healer SchemaHealer, sess Identity, dailies *DailyReportService, logger *log.Logger) *WeeklyReportService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &WeeklyReportService{
		deps:    deps{local: local, remote: rc, healer: healer, sess: sess, logger: logger},
		dailies: dailies,
	}
}

// GetByRange looks up the report covering [start, end].
func (s *WeeklyReportService) GetByRange(ctx context.Context, start, end string) (domain.WeeklyReport, bool) {
	fetchRemote := func(owner []remote.Filter) func(ctx context.Context) (domain.WeeklyReport, error) {
		return func(ctx context.Context) (domain.WeeklyReport, error) {
			filters := append([]remote.Filter{
				remote.Eq("start_date", start),
				remote.Eq("end_date", end),
			}, owner...)
			row, err := s.remote.SelectSingle(ctx, localstore.TableWeeklyReports, filters)
			if err != nil {
				return domain.WeeklyReport{}, err
			}
			var report domain.WeeklyReport
			if err := sonic.ConfigStd.Unmarshal(row, &report); err != nil {
				return domain.WeeklyReport{}, err
			}
			if err := localstore.Put(ctx, s.local, localstore.TableWeeklyReports, report); err != nil {
				s.logger.WithError(err).Warn("weekly cache update failed")
			}
			return report, nil
		}
	}
	fromCache := func(ctx context.Context) (domain.WeeklyReport, error) {
		owner := s.ownerID()
		reports, err := localstore.Query(ctx, s.local, localstore.TableWeeklyReports, func(r domain.WeeklyReport) bool {
			return r.StartDate == start && r.EndDate == end && (r.UserID == "" || r.UserID == owner)
		})
		if err != nil {
			return domain.WeeklyReport{}, err
		}
		if len(reports) == 0 {
			return domain.WeeklyReport{}, &remote.Error{Kind: remote.KindNotFound, Message: "no cached weekly report"}
		}
		return reports[0], nil
	}

	return firstOf(ctx, s.logger, []strategy[domain.WeeklyReport]{
		{name: "remote-owner", run: fetchRemote(s.ownerFilter(localstore.TableWeeklyReports))},
		{name: "remote-ownerless", run: fetchRemote(nil)},
		{name: "local-cache", run: fromCache},
	})
}

// Save upserts a weekly report, queueing the write when the backend is
// unreachable.
func (s *WeeklyReportService) Save(ctx context.Context, report domain.WeeklyReport) (domain.WeeklyReport, error) {
	now := nowRFC3339()
	isNew := report.ID == ""
	if isNew {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt == "" {
		report.CreatedAt = now
	}
	report.UpdatedAt = now
	if report.UserID == "" {
		report.UserID = s.ownerID()
	}

	localErr := localstore.Put(ctx, s.local, localstore.TableWeeklyReports, report)
	if localErr != nil {
		s.logger.WithError(localErr).WithField("report", report.ID).Warn("local weekly write failed")
	}

	payload, err := sonic.ConfigStd.Marshal(report)
	if err != nil {
		return report, err
	}

	var stored []byte
	remoteErr := s.withHeal(ctx, localstore.TableWeeklyReports, func() error {
		var err error
		stored, err = s.remote.Upsert(ctx, localstore.TableWeeklyReports, payload, "id")
		return err
	})
	if remoteErr != nil {
		kind := domain.ActionUpdate
		if isNew {
			kind = domain.ActionCreate
		}
		s.enqueue(ctx, localstore.TableWeeklyReports, kind, payload)
		if localErr != nil {
			return report, remoteErr
		}
		return report, nil
	}

	if len(stored) > 0 {
		var fromServer domain.WeeklyReport
		if err := sonic.ConfigStd.Unmarshal(stored, &fromServer); err == nil && fromServer.ID != "" {
			report = fromServer
			if err := localstore.Put(ctx, s.local, localstore.TableWeeklyReports, report); err != nil {
				s.logger.WithError(err).Warn("local weekly write-back failed")
			}
		}
	}
	return report, nil
}

// Recent returns the latest weekly reports, newest window first.
func (s *WeeklyReportService) Recent(ctx context.Context, limit int) []domain.WeeklyReport {
	if limit <= 0 {
		limit = defaultRecentReports
	}
	owner := s.ownerID()
	cached, err := localstore.Query(ctx, s.local, localstore.TableWeeklyReports, func(r domain.WeeklyReport) bool {
		return r.UserID == "" || r.UserID == owner
	})
	if err != nil {
		s.logger.WithError(err).Warn("local weekly query failed, going remote-only")
	}
	if len(cached) > 0 {
		sort.Slice(cached, func(i, j int) bool { return cached[i].StartDate > cached[j].StartDate })
		if len(cached) > limit {
			cached = cached[:limit]
		}
		s.background("refresh-weeklies", func(ctx context.Context) {
			s.RefreshRecent(ctx, limit)
		})
		return cached
	}

	refreshed, ok := s.RefreshRecent(ctx, limit)
	if !ok {
		return []domain.WeeklyReport{}
	}
	return refreshed
}

// RefreshRecent pulls the latest weekly reports into the cache.
func (s *WeeklyReportService) RefreshRecent(ctx context.Context, limit int) ([]domain.WeeklyReport, bool) {
	if limit <= 0 {
		limit = defaultRecentReports
	}
	fetch := func(owner []remote.Filter) func(ctx context.Context) ([]domain.WeeklyReport, error) {
		return func(ctx context.Context) ([]domain.WeeklyReport, error) {
			rows, err := s.remote.Select(ctx, localstore.TableWeeklyReports, owner, "start_date.desc", limit)
			if err != nil {
				return nil, err
			}
			return decodeRows[domain.WeeklyReport](rows)
		}
	}
	reports, ok := firstOf(ctx, s.logger, []strategy[[]domain.WeeklyReport]{
		{name: "remote-owner", run: fetch(s.ownerFilter(localstore.TableWeeklyReports))},
		{name: "remote-ownerless", run: fetch(nil)},
	})
	if !ok {
		return nil, false
	}
	if len(reports) > 0 {
		if err := localstore.BulkPut(ctx, s.local, localstore.TableWeeklyReports, reports); err != nil {
			s.logger.WithError(err).Warn("weekly cache update failed")
		}
	}
	return reports, true
}

// Derive drafts a weekly report from the daily reports inside [start, end].
// The draft is not persisted; the caller reviews and saves it.
func (s *WeeklyReportService) Derive(ctx context.Context, start, end string) domain.WeeklyReport {
	report := domain.WeeklyReport{
		UserID:    s.ownerID(),
		StartDate: start,
		EndDate:   end,
	}

	owner := s.ownerID()
	dailies, err := localstore.Query(ctx, s.local, localstore.TableDailyReports, func(r domain.DailyReport) bool {
		return r.Date >= start && r.Date <= end && (r.UserID == "" || r.UserID == owner)
	})
	if err != nil {
		s.logger.WithError(err).Warn("local report query failed while deriving weekly")
	}
	if len(dailies) == 0 && s.dailies != nil {
		if refreshed, ok := s.dailies.RefreshRecent(ctx, 0); ok {
			for _, r := range refreshed {
				if r.Date >= start && r.Date <= end {
					dailies = append(dailies, r)
				}
			}
		}
	}
	sort.Slice(dailies, func(i, j int) bool { return dailies[i].Date < dailies[j].Date })

	var completed, uncompleted, issues []string
	for _, d := range dailies {
		if line := dayLine(d.Date, d.Completed); line != "" {
			completed = append(completed, line)
		}
		if line := dayLine(d.Date, d.Uncompleted); line != "" {
			uncompleted = append(uncompleted, line)
		}
		if line := dayLine(d.Date, d.Remarks); line != "" {
			issues = append(issues, line)
		}
	}
	report.CompletedTasks = strings.Join(completed, "\n")
	report.Issues = strings.Join(issues, "\n")
	if len(uncompleted) > 0 {
		report.NextWeekPlan = strings.Join(uncompleted, "\n")
	}
	return report
}

func dayLine(date, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return date + ": " + text
}
