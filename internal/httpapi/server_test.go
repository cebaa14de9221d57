package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
	"raceserver/internal/metrics"
	"raceserver/internal/registry"
	"raceserver/internal/wire"
)

type fakeReadiness struct{ ready bool }

func (f fakeReadiness) Ready() bool { return f.ready }

func newTestServer(t *testing.T, ready bool) *Server {
	t.Helper()
	m := metrics.New()
	reg := registry.New("", m)
	cat := catalog.New(nil, nil)
	return New(reg, cat, fakeReadiness{ready: ready}, nil)
}

func TestHealthReportsConnectionCount(t *testing.T) {
	m := metrics.New()
	reg := registry.New("", m)
	reg.Register(nil, nil)
	reg.Register(nil, nil)
	s := New(reg, catalog.New(nil, nil), fakeReadiness{ready: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := s.Echo().NewContext(req, rec)
	if err := s.handleHealth(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Connections != 2 {
		t.Fatalf("expected connections=2, got %d", resp.Connections)
	}
}

func TestReadyReturnsOKWhenReady(t *testing.T) {
	s := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	c := s.Echo().NewContext(req, rec)
	if err := s.handleReady(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyReturnsServiceUnavailableWhenNotReady(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	c := s.Echo().NewContext(req, rec)
	if err := s.handleReady(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestLobbyEndpointReflectsCatalogState(t *testing.T) {
	trackID := ids.NewTrackConfigID()
	cat := catalog.New(nil, []catalog.TrackConfig{{ID: trackID, Name: "Test Circuit"}})
	pid := ids.NewParticipantID()
	cat.JoinLobby(pid, "Alice")

	m := metrics.New()
	s := New(registry.New("", m), cat, fakeReadiness{ready: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/lobby", nil)
	rec := httptest.NewRecorder()
	c := s.Echo().NewContext(req, rec)
	if err := s.handleLobby(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var payload wire.LobbyStatePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.PlayersInLobby) != 1 || payload.PlayersInLobby[0].Name != "Alice" {
		t.Fatalf("expected Alice in lobby snapshot, got %+v", payload.PlayersInLobby)
	}
	if len(payload.TrackConfigs) != 1 || payload.TrackConfigs[0].ID != trackID {
		t.Fatalf("expected test track in catalog snapshot, got %+v", payload.TrackConfigs)
	}
}
