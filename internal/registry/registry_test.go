package registry

import (
	"net"
	"testing"
	"time"

	"raceserver/internal/ids"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	r := New("", nil)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	connID := r.Register(addr, nil)
	if r.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Count())
	}

	pid, err := r.Authenticate(connID, "token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pid == ids.NilParticipantID {
		t.Fatal("expected non-nil participant id")
	}

	conn := r.ConnectionByParticipant(pid)
	if conn == nil || conn.ID != connID {
		t.Fatal("expected participant to resolve to the registered connection")
	}

	byAddr := r.ConnectionByAddr(addr)
	if byAddr == nil || byAddr.ID != connID {
		t.Fatal("expected addr lookup to resolve to the registered connection")
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	r := New("secret", nil)
	connID := r.Register(nil, nil)

	if _, err := r.Authenticate(connID, "wrong"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	r := New("", nil)
	connID := r.Register(nil, nil)

	if _, err := r.Authenticate(connID, ""); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for empty token, got %v", err)
	}
}

func TestEvictRemovesAllIndexes(t *testing.T) {
	r := New("", nil)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}
	connID := r.Register(addr, nil)
	pid, err := r.Authenticate(connID, "tok")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var evictedPID ids.ParticipantID
	var evictedReason string
	r.SetOnEvicted(func(p ids.ParticipantID, reason string) {
		evictedPID = p
		evictedReason = reason
	})

	r.Evict(connID, "test eviction")

	if r.Count() != 0 {
		t.Fatalf("expected 0 connections after evict, got %d", r.Count())
	}
	if r.ConnectionByParticipant(pid) != nil {
		t.Fatal("expected participant index to be cleared")
	}
	if r.ConnectionByAddr(addr) != nil {
		t.Fatal("expected addr index to be cleared")
	}
	if evictedPID != pid {
		t.Fatalf("expected eviction callback for %v, got %v", pid, evictedPID)
	}
	if evictedReason != "test eviction" {
		t.Fatalf("unexpected eviction reason: %q", evictedReason)
	}
}

func TestEvictUnknownConnectionIsNoop(t *testing.T) {
	r := New("", nil)
	r.Evict(ids.ConnectionID(999), "does not exist")
	if r.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", r.Count())
	}
}

func TestReapEvictsStaleConnections(t *testing.T) {
	r := New("", nil)
	staleID := r.Register(nil, nil)
	freshID := r.Register(nil, nil)

	r.mu.Lock()
	r.byConn[staleID].LastHeartbeat = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	stale := r.Reap(time.Now(), 5*time.Second)

	if len(stale) != 1 || stale[0] != staleID {
		t.Fatalf("expected only %v to be reaped, got %v", staleID, stale)
	}
	if r.Connection(staleID) != nil {
		t.Fatal("expected stale connection to be evicted")
	}
	if r.Connection(freshID) == nil {
		t.Fatal("expected fresh connection to survive reap")
	}
}

func TestEvictPriorByParticipant(t *testing.T) {
	r := New("", nil)
	connID := r.Register(nil, nil)
	pid, err := r.Authenticate(connID, "tok")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	evictedID, ok := r.EvictPriorByParticipant(pid, "reconnect")
	if !ok || evictedID != connID {
		t.Fatalf("expected prior connection %v to be evicted, got %v ok=%v", connID, evictedID, ok)
	}
	if r.ConnectionByParticipant(pid) != nil {
		t.Fatal("expected participant index cleared after eviction")
	}

	if _, ok := r.EvictPriorByParticipant(ids.NewParticipantID(), "no-op"); ok {
		t.Fatal("expected no-op for a participant with no live connection")
	}
}
