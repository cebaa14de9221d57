package catalog

import (
	"testing"

	"raceserver/internal/ids"
	"raceserver/internal/wire"
)

func newTestCatalog() (*Catalog, ids.TrackConfigID, ids.CarConfigID) {
	trackID := ids.NewTrackConfigID()
	carID := ids.NewCarConfigID()
	c := New(
		[]CarConfig{{ID: carID, Name: "Test GT"}},
		[]TrackConfig{{ID: trackID, Name: "Test Circuit"}},
	)
	return c, trackID, carID
}

func TestJoinLobbyAppearsInSnapshot(t *testing.T) {
	c, _, _ := newTestCatalog()
	pid := ids.NewParticipantID()
	c.JoinLobby(pid, "A")

	snap := c.ListLobbyState()
	if len(snap.PlayersInLobby) != 1 || snap.PlayersInLobby[0].ID != pid {
		t.Fatalf("expected participant %v in lobby, got %+v", pid, snap.PlayersInLobby)
	}
	if snap.PlayersInLobby[0].InSession != nil {
		t.Fatal("expected new participant to not be in a session")
	}
}

func TestCreateSessionAndJoin(t *testing.T) {
	c, trackID, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")

	sessionID, err := c.CreateSession(host, trackID, 8, 2, 5, "Multiplayer")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	snap := c.ListLobbyState()
	if len(snap.AvailableSessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(snap.AvailableSessions))
	}
	sess := snap.AvailableSessions[0]
	if sess.PlayerCount != 1 || sess.MaxPlayers != 8 || sess.State != "Lobby" {
		t.Fatalf("unexpected session summary: %+v", sess)
	}

	other := ids.NewParticipantID()
	c.JoinLobby(other, "B")
	if err := c.JoinSession(other, sessionID); err != nil {
		t.Fatalf("join session: %v", err)
	}

	snap = c.ListLobbyState()
	if snap.AvailableSessions[0].PlayerCount != 2 {
		t.Fatalf("expected player count 2 after join, got %d", snap.AvailableSessions[0].PlayerCount)
	}
}

func TestCreateSessionRejectsAlreadyInSession(t *testing.T) {
	c, trackID, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")
	if _, err := c.CreateSession(host, trackID, 4, 0, 3, "Multiplayer"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := c.CreateSession(host, trackID, 4, 0, 3, "Multiplayer"); err != ErrAlreadyInSession {
		t.Fatalf("expected ErrAlreadyInSession, got %v", err)
	}
}

func TestCreateSessionRejectsUnknownTrack(t *testing.T) {
	c, _, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")
	if _, err := c.CreateSession(host, ids.NewTrackConfigID(), 4, 0, 3, "Multiplayer"); err != ErrUnknownTrack {
		t.Fatalf("expected ErrUnknownTrack, got %v", err)
	}
}

func TestCreateSessionRejectsInvalidCapacity(t *testing.T) {
	c, trackID, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")
	if _, err := c.CreateSession(host, trackID, 2, 5, 3, "Multiplayer"); err != ErrInvalidCapacity {
		t.Fatalf("expected ErrInvalidCapacity for ai_count >= max_players, got %v", err)
	}
}

func TestJoinSessionRejectsFull(t *testing.T) {
	c, trackID, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")
	sessionID, _ := c.CreateSession(host, trackID, 1, 0, 3, "Multiplayer")

	other := ids.NewParticipantID()
	c.JoinLobby(other, "B")
	if err := c.JoinSession(other, sessionID); err != ErrSessionFull {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
}

func TestLeaveSessionDestroysWhenLastHumanLeaves(t *testing.T) {
	c, trackID, _ := newTestCatalog()
	host := ids.NewParticipantID()
	c.JoinLobby(host, "Host")
	sessionID, _ := c.CreateSession(host, trackID, 4, 0, 3, "Multiplayer")

	empty := c.LeaveSession(host)
	if !empty {
		t.Fatal("expected session to be reported empty after last human leaves")
	}
	if _, ok := c.ParticipantSession(host); ok {
		t.Fatal("expected host to no longer be in a session")
	}

	snap := c.ListLobbyState()
	for _, s := range snap.AvailableSessions {
		if s.ID == sessionID {
			t.Fatal("expected destroyed session to be absent from catalog")
		}
	}
}

func TestBroadcastCallbackFiresOnStateChange(t *testing.T) {
	c, _, _ := newTestCatalog()
	var got wire.LobbyStatePayload
	calls := 0
	c.SetOnBroadcast(func(p wire.LobbyStatePayload) {
		calls++
		got = p
	})

	pid := ids.NewParticipantID()
	c.JoinLobby(pid, "A")

	if calls != 1 {
		t.Fatalf("expected 1 broadcast call, got %d", calls)
	}
	if len(got.PlayersInLobby) != 1 {
		t.Fatalf("expected broadcast snapshot to include the new participant")
	}
}

func TestJoinLobbySameNameReportsPriorForEviction(t *testing.T) {
	c, _, _ := newTestCatalog()
	first := ids.NewParticipantID()
	if _, hadPrior := c.JoinLobby(first, "Alice"); hadPrior {
		t.Fatal("expected no prior participant on first join")
	}

	second := ids.NewParticipantID()
	evicted, hadPrior := c.JoinLobby(second, "Alice")
	if !hadPrior || evicted != first {
		t.Fatalf("expected reconnect under the same name to report %v as evicted, got %v hadPrior=%v", first, evicted, hadPrior)
	}

	// The new connection joins the directory alongside the old one; the prior
	// entry is left for the caller to remove via LeaveLobby.
	snap := c.ListLobbyState()
	if len(snap.PlayersInLobby) != 2 {
		t.Fatalf("expected both entries present until the caller tears down the prior one, got %d", len(snap.PlayersInLobby))
	}

	c.LeaveLobby(first)
	snap = c.ListLobbyState()
	if len(snap.PlayersInLobby) != 1 || snap.PlayersInLobby[0].ID != second {
		t.Fatalf("expected only the reconnected participant to remain, got %+v", snap.PlayersInLobby)
	}
}

func TestJoinLobbyDifferentNamesNoEviction(t *testing.T) {
	c, _, _ := newTestCatalog()
	a := ids.NewParticipantID()
	b := ids.NewParticipantID()
	c.JoinLobby(a, "Alice")
	if _, hadPrior := c.JoinLobby(b, "Bob"); hadPrior {
		t.Fatal("expected no eviction for distinct names")
	}
}
