package store

import (
	"context"
	"path/filepath"
	"testing"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "raceserver.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSetAndGetSetting(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Setting(ctx, "display_name"); err != ErrSettingNotFound {
		t.Fatalf("expected ErrSettingNotFound before any write, got %v", err)
	}

	if err := st.SetSetting(ctx, "display_name", "Monza Night Series"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	got, err := st.Setting(ctx, "display_name")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if got != "Monza Night Series" {
		t.Fatalf("expected %q, got %q", "Monza Night Series", got)
	}

	// Upsert overwrites.
	if err := st.SetSetting(ctx, "display_name", "Spa Endurance Cup"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	got, err = st.Setting(ctx, "display_name")
	if err != nil {
		t.Fatalf("get setting after overwrite: %v", err)
	}
	if got != "Spa Endurance Cup" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}

func TestCacheCatalogRoundTrips(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	carID := ids.NewCarConfigID()
	trackID := ids.NewTrackConfigID()
	cars := []catalog.CarConfig{{ID: carID, Name: "GT3 Spec"}}
	tracks := []catalog.TrackConfig{{ID: trackID, Name: "Coastal Circuit", FileName: "coastal.trk", Closed: true}}

	if err := st.CacheCatalog(ctx, cars, tracks); err != nil {
		t.Fatalf("cache catalog: %v", err)
	}

	gotCars, err := st.CachedCarConfigs(ctx)
	if err != nil {
		t.Fatalf("cached car configs: %v", err)
	}
	if len(gotCars) != 1 || gotCars[0].ID != carID.String() || gotCars[0].Name != "GT3 Spec" {
		t.Fatalf("unexpected cached car configs: %+v", gotCars)
	}

	gotTracks, err := st.CachedTrackConfigs(ctx)
	if err != nil {
		t.Fatalf("cached track configs: %v", err)
	}
	if len(gotTracks) != 1 || gotTracks[0].ID != trackID.String() || !gotTracks[0].Closed {
		t.Fatalf("unexpected cached track configs: %+v", gotTracks)
	}
}

func TestCacheCatalogReplacesPreviousContent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := []catalog.CarConfig{{ID: ids.NewCarConfigID(), Name: "First"}}
	if err := st.CacheCatalog(ctx, first, nil); err != nil {
		t.Fatalf("cache first catalog: %v", err)
	}

	second := []catalog.CarConfig{{ID: ids.NewCarConfigID(), Name: "Second"}}
	if err := st.CacheCatalog(ctx, second, nil); err != nil {
		t.Fatalf("cache second catalog: %v", err)
	}

	got, err := st.CachedCarConfigs(ctx)
	if err != nil {
		t.Fatalf("cached car configs: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Second" {
		t.Fatalf("expected the cache to be replaced, got %+v", got)
	}
}

func TestRecordSessionEventAndTrail(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()

	if err := st.RecordSessionEvent(ctx, sessionID, "created", "kind=FreePractice"); err != nil {
		t.Fatalf("record session event: %v", err)
	}
	if err := st.RecordSessionEvent(ctx, sessionID, "mode_changed", "mode=Countdown"); err != nil {
		t.Fatalf("record session event: %v", err)
	}

	trail, err := st.SessionAuditTrail(ctx, sessionID)
	if err != nil {
		t.Fatalf("session audit trail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(trail))
	}
	if trail[0].Event != "created" || trail[1].Event != "mode_changed" {
		t.Fatalf("expected oldest-first ordering, got %+v", trail)
	}
}

func TestSessionAuditTrailIsolatesUnrelatedSessions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sessionA := ids.NewSessionID()
	sessionB := ids.NewSessionID()
	if err := st.RecordSessionEvent(ctx, sessionA, "created", ""); err != nil {
		t.Fatalf("record session event: %v", err)
	}
	if err := st.RecordSessionEvent(ctx, sessionB, "created", ""); err != nil {
		t.Fatalf("record session event: %v", err)
	}

	trail, err := st.SessionAuditTrail(ctx, sessionA)
	if err != nil {
		t.Fatalf("session audit trail: %v", err)
	}
	if len(trail) != 1 || trail[0].SessionID != sessionA.String() {
		t.Fatalf("expected only session A's events, got %+v", trail)
	}
}
