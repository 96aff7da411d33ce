package services

import (
	"context"
	"testing"

	"worklog-api/domain"
	"worklog-api/localstore"
)

func newDailyFixture(t *testing.T) (*DailyReportService, *fakeRemote, *localstore.Store) {
	t.Helper()
	store := openTestStore(t)
	rc := newFakeRemote()
	svc := NewDailyReportService(store, rc, newNoopHealer(), authedIdentity(), testLogger())
	return svc, rc, store
}

func TestDailySaveUpsertsOnUserAndDate(t *testing.T) {
	svc, rc, _ := newDailyFixture(t)
	ctx := context.Background()

	first, err := svc.Save(ctx, domain.DailyReport{Date: "2025-03-10", Completed: "draft"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.UserID != "u1" {
		t.Fatalf("expected owner stamped, got %q", first.UserID)
	}

	// Saving the same day again merges rather than duplicating.
	first.Completed = "final"
	if _, err := svc.Save(ctx, first); err != nil {
		t.Fatalf("second save: %v", err)
	}
	rc.mu.Lock()
	count := len(rc.table(localstore.TableDailyReports))
	rc.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected one backend row for the day, got %d", count)
	}

	got, ok := svc.GetByDate(ctx, "2025-03-10")
	if !ok {
		t.Fatal("expected report")
	}
	if got.Completed != "final" {
		t.Fatalf("expected merged content, got %q", got.Completed)
	}
}

func TestDailyGetByDateFallsBackToCacheWhenOffline(t *testing.T) {
	svc, rc, _ := newDailyFixture(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, domain.DailyReport{Date: "2025-03-11", Completed: "cached"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rc.setFail(true)

	got, ok := svc.GetByDate(ctx, "2025-03-11")
	if !ok {
		t.Fatal("expected cache to answer while offline")
	}
	if got.Completed != "cached" {
		t.Fatalf("unexpected report %+v", got)
	}
}

func TestDailyGetByDateAbsent(t *testing.T) {
	svc, _, _ := newDailyFixture(t)
	if _, ok := svc.GetByDate(context.Background(), "1999-01-01"); ok {
		t.Fatal("expected absent result")
	}
}

func TestDailySaveOfflineQueues(t *testing.T) {
	svc, rc, store := newDailyFixture(t)
	ctx := context.Background()
	rc.setFail(true)

	if _, err := svc.Save(ctx, domain.DailyReport{Date: "2025-03-12", Completed: "offline"}); err != nil {
		t.Fatalf("offline save: %v", err)
	}
	actions, _ := store.ListUnsyncedActions(ctx)
	if len(actions) != 1 {
		t.Fatalf("expected one queued action, got %d", len(actions))
	}
	if actions[0].Table != localstore.TableDailyReports || actions[0].Kind != domain.ActionUpdate {
		t.Fatalf("unexpected action %+v", actions[0])
	}
}

func TestDailySaveFallsBackToIDConflictWithoutOwnerColumn(t *testing.T) {
	store := openTestStore(t)
	rc := newFakeRemote()
	healer := newNoopHealer()
	healer.caps.SetColumn(localstore.TableDailyReports, "user_id", false)
	svc := NewDailyReportService(store, rc, healer, authedIdentity(), testLogger())

	if _, err := svc.Save(context.Background(), domain.DailyReport{Date: "2025-03-13"}); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestDailyDeleteRemovesEverywhere(t *testing.T) {
	svc, rc, store := newDailyFixture(t)
	ctx := context.Background()

	saved, err := svc.Save(ctx, domain.DailyReport{Date: "2025-03-14"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.Delete(ctx, saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := rc.record(localstore.TableDailyReports, saved.ID); ok {
		t.Fatal("expected backend row gone")
	}
	if _, ok, _ := localstore.Get[domain.DailyReport](ctx, store, localstore.TableDailyReports, saved.ID); ok {
		t.Fatal("expected cache row gone")
	}
}

func TestDailyDeleteOfflineQueuesDelete(t *testing.T) {
	svc, rc, store := newDailyFixture(t)
	ctx := context.Background()

	saved, err := svc.Save(ctx, domain.DailyReport{Date: "2025-03-15"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	rc.setFail(true)
	if err := svc.Delete(ctx, saved.ID); err != nil {
		t.Fatalf("offline delete: %v", err)
	}
	actions, _ := store.ListUnsyncedActions(ctx)
	if len(actions) != 1 || actions[0].Kind != domain.ActionDelete {
		t.Fatalf("expected one delete action, got %+v", actions)
	}
}

func TestDailyRecentNewestFirst(t *testing.T) {
	svc, _, _ := newDailyFixture(t)
	ctx := context.Background()

	for _, date := range []string{"2025-03-10", "2025-03-12", "2025-03-11"} {
		if _, err := svc.Save(ctx, domain.DailyReport{Date: date}); err != nil {
			t.Fatalf("save %s: %v", date, err)
		}
	}

	recent := svc.Recent(ctx, 2)
	if len(recent) != 2 {
		t.Fatalf("expected limit respected, got %d", len(recent))
	}
	if recent[0].Date != "2025-03-12" || recent[1].Date != "2025-03-11" {
		t.Fatalf("expected newest first, got %s then %s", recent[0].Date, recent[1].Date)
	}
}
