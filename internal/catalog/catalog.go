// Package catalog implements the lobby / session catalog: the discovery
// surface of participants not yet in a session, live session summaries, and
// the immutable car/track config content loaded at boot. Generalized from a
// chat-style channel directory to racing sessions, guarded by a single
// reader/writer lock the same way a channel directory would be.
package catalog

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"raceserver/internal/ids"
	"raceserver/internal/physics"
	"raceserver/internal/wire"
)

var (
	ErrAlreadyInSession = errors.New("catalog: participant already in a session")
	ErrUnknownTrack     = errors.New("catalog: unknown track config")
	ErrInvalidCapacity  = errors.New("catalog: invalid capacity bounds")
	ErrUnknownSession   = errors.New("catalog: unknown session")
	ErrSessionFull      = errors.New("catalog: session full")
	ErrNotInLobby       = errors.New("catalog: session not accepting joins")
)

// CarConfig is one entry of the immutable car catalog loaded at startup.
// Physics/tuning fields beyond identity are opaque to raceserver; they are
// handed to the pluggable physics step function verbatim.
type CarConfig struct {
	ID   ids.CarConfigID
	Name string
}

// TrackConfig is one entry of the immutable track catalog loaded at startup.
// Centerline/width/raceline content is opaque geometry the session runtime
// projects onto; raceserver itself never parses a track file, that lives
// behind the content loader.
type TrackConfig struct {
	ID         ids.TrackConfigID
	Name       string
	FileName   string
	Closed     bool            // closed-loop track; DemoLap wraps, lap counting applies
	Centerline []RacelinePoint // ordered centerline points used for progress projection
	Widths     []float64       // per-centerline-point track width, parallel to Centerline
	Raceline   []RacelinePoint // optional demo-lap path; empty disables DemoLap interpolation
}

// RacelinePoint is one control point of a track's centerline or raceline.
type RacelinePoint = physics.RacelinePoint

// lobbyParticipant tracks one authenticated, not-yet-deregistered player's
// lobby-facing state.
type lobbyParticipant struct {
	id          ids.ParticipantID
	name        string
	selectedCar *ids.CarConfigID
	sessionID   *ids.SessionID
	joinOrder   uint64
}

// SessionHandle is the catalog's view of a live session, kept in sync by
// the session runtime via UpdateSummary. The catalog never mutates session
// internals directly.
type SessionHandle struct {
	ID          ids.SessionID
	TrackID     ids.TrackConfigID
	TrackName   string
	HostName    string
	MaxPlayers  int
	PlayerCount int
	State       string
}

// Catalog holds the lobby directory, live session summaries, and the
// loaded content catalogs. All mutable state is guarded by one RWMutex.
type Catalog struct {
	mu sync.RWMutex

	cars   map[ids.CarConfigID]CarConfig
	tracks map[ids.TrackConfigID]TrackConfig

	participants map[ids.ParticipantID]*lobbyParticipant
	byName       map[string]ids.ParticipantID // claimed display name -> current holder
	sessions     map[ids.SessionID]*SessionHandle
	joinSeq      uint64

	log *slog.Logger

	// onBroadcast is invoked (outside the lock) after any state-affecting
	// operation, carrying a fresh LobbyState snapshot for droppable
	// broadcast to every lobby participant.
	onBroadcast func(wire.LobbyStatePayload)
}

// New creates a Catalog seeded with the given immutable content.
func New(cars []CarConfig, tracks []TrackConfig) *Catalog {
	c := &Catalog{
		cars:         make(map[ids.CarConfigID]CarConfig, len(cars)),
		tracks:       make(map[ids.TrackConfigID]TrackConfig, len(tracks)),
		participants: make(map[ids.ParticipantID]*lobbyParticipant),
		byName:       make(map[string]ids.ParticipantID),
		sessions:     make(map[ids.SessionID]*SessionHandle),
		log:          slog.With("component", "catalog"),
	}
	for _, car := range cars {
		c.cars[car.ID] = car
	}
	for _, tr := range tracks {
		c.tracks[tr.ID] = tr
	}
	return c
}

// SetOnBroadcast registers the lobby-state broadcast callback.
func (c *Catalog) SetOnBroadcast(fn func(wire.LobbyStatePayload)) {
	c.mu.Lock()
	c.onBroadcast = fn
	c.mu.Unlock()
}

// Track looks up an immutable track config by id.
func (c *Catalog) Track(id ids.TrackConfigID) (TrackConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tr, ok := c.tracks[id]
	return tr, ok
}

// Car looks up an immutable car config by id.
func (c *Catalog) Car(id ids.CarConfigID) (CarConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	car, ok := c.cars[id]
	return car, ok
}

// JoinLobby registers an authenticated participant in the lobby directory.
// If name is already claimed by another participant (a reconnect under the
// same display name, the prior connection having gone stale without a clean
// disconnect), that prior participant's id is returned so the caller can
// tear down its session membership and registry connection through the
// normal eviction path; JoinLobby itself leaves the prior entry in place
// until that happens, so its session/roster state stays consistent.
func (c *Catalog) JoinLobby(pid ids.ParticipantID, name string) (evicted ids.ParticipantID, hadPrior bool) {
	c.mu.Lock()
	if prior, ok := c.byName[name]; ok && prior != pid {
		evicted, hadPrior = prior, true
	}
	c.joinSeq++
	c.participants[pid] = &lobbyParticipant{id: pid, name: name, joinOrder: c.joinSeq}
	c.byName[name] = pid
	c.mu.Unlock()
	c.broadcastLocked()
	return evicted, hadPrior
}

// LeaveLobby removes a participant from the lobby directory entirely
// (called on disconnect), regardless of session membership.
func (c *Catalog) LeaveLobby(pid ids.ParticipantID) {
	c.mu.Lock()
	if p, ok := c.participants[pid]; ok {
		if c.byName[p.name] == pid {
			delete(c.byName, p.name)
		}
		delete(c.participants, pid)
	}
	c.mu.Unlock()
	c.broadcastLocked()
}

// SelectCar records a participant's chosen car config. The id is not
// checked against the car catalog, here or at CreateSession time.
func (c *Catalog) SelectCar(pid ids.ParticipantID, carID ids.CarConfigID) {
	c.mu.Lock()
	if p, ok := c.participants[pid]; ok {
		id := carID
		p.selectedCar = &id
	}
	c.mu.Unlock()
	c.broadcastLocked()
}

// CreateSession allocates a new session for host, rejecting if the host is
// already in a session or the track/capacity arguments are invalid. Grid
// slot 0 is reserved for the host; AI fill occupies the following slots.
func (c *Catalog) CreateSession(host ids.ParticipantID, trackID ids.TrackConfigID, maxPlayers, aiCount, lapLimit int, kind string) (ids.SessionID, error) {
	c.mu.Lock()
	p, ok := c.participants[host]
	if !ok {
		c.mu.Unlock()
		return ids.NilSessionID, errors.New("catalog: unknown participant")
	}
	if p.sessionID != nil {
		c.mu.Unlock()
		return ids.NilSessionID, ErrAlreadyInSession
	}
	track, ok := c.tracks[trackID]
	if !ok {
		c.mu.Unlock()
		return ids.NilSessionID, ErrUnknownTrack
	}
	if maxPlayers <= 0 || aiCount < 0 || aiCount >= maxPlayers {
		c.mu.Unlock()
		return ids.NilSessionID, ErrInvalidCapacity
	}

	sessionID := ids.NewSessionID()
	sid := sessionID
	p.sessionID = &sid

	c.sessions[sessionID] = &SessionHandle{
		ID:          sessionID,
		TrackID:     trackID,
		TrackName:   track.Name,
		HostName:    p.name,
		MaxPlayers:  maxPlayers,
		PlayerCount: 1,
		State:       "Lobby",
	}
	c.log.Info("session created", "session_id", sessionID, "host", host, "track", track.Name, "max_players", maxPlayers, "ai_count", aiCount)
	c.mu.Unlock()

	c.broadcastLocked()
	return sessionID, nil
}

// JoinSession adds participant to an existing session's lobby-catalog view.
// The caller (session runtime) is responsible for allocating the actual
// grid slot; the catalog only tracks membership and player count for the
// discovery surface.
func (c *Catalog) JoinSession(pid ids.ParticipantID, sessionID ids.SessionID) error {
	c.mu.Lock()
	p, ok := c.participants[pid]
	if !ok {
		c.mu.Unlock()
		return errors.New("catalog: unknown participant")
	}
	if p.sessionID != nil {
		c.mu.Unlock()
		return ErrAlreadyInSession
	}
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if sess.State != "Lobby" {
		c.mu.Unlock()
		return ErrNotInLobby
	}
	if sess.PlayerCount >= sess.MaxPlayers {
		c.mu.Unlock()
		return ErrSessionFull
	}
	sid := sessionID
	p.sessionID = &sid
	sess.PlayerCount++
	c.mu.Unlock()

	c.broadcastLocked()
	return nil
}

// LeaveSession removes participant from their session's catalog
// membership. If no humans remain, the session is removed from the
// catalog entirely (the session runtime destroys the underlying runtime
// state independently).
func (c *Catalog) LeaveSession(pid ids.ParticipantID) (sessionEmpty bool) {
	c.mu.Lock()
	p, ok := c.participants[pid]
	if !ok || p.sessionID == nil {
		c.mu.Unlock()
		return false
	}
	sessionID := *p.sessionID
	p.sessionID = nil
	sess, ok := c.sessions[sessionID]
	if ok {
		sess.PlayerCount--
		if sess.PlayerCount <= 0 {
			delete(c.sessions, sessionID)
			sessionEmpty = true
		}
	}
	c.mu.Unlock()

	c.broadcastLocked()
	return sessionEmpty
}

// UpdateSessionState lets the session runtime push its current mode name
// into the lobby-facing summary (e.g. "Lobby", "Countdown", "FreePractice").
func (c *Catalog) UpdateSessionState(sessionID ids.SessionID, state string) {
	c.mu.Lock()
	if sess, ok := c.sessions[sessionID]; ok {
		sess.State = state
	}
	c.mu.Unlock()
	c.broadcastLocked()
}

// RemoveSession force-removes a session (e.g. the host disconnected and no
// human remains), regardless of recorded player count.
func (c *Catalog) RemoveSession(sessionID ids.SessionID) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	c.broadcastLocked()
}

// ListLobbyState snapshots the full discovery surface for a reply or
// broadcast.
func (c *Catalog) ListLobbyState() wire.LobbyStatePayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Catalog) snapshotLocked() wire.LobbyStatePayload {
	ordered := make([]*lobbyParticipant, 0, len(c.participants))
	for _, p := range c.participants {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].joinOrder < ordered[j].joinOrder })

	players := make([]wire.LobbyPlayer, 0, len(ordered))
	for _, p := range ordered {
		players = append(players, wire.LobbyPlayer{
			ID:          p.id,
			Name:        p.name,
			SelectedCar: p.selectedCar,
			InSession:   p.sessionID,
		})
	}

	sessions := make([]wire.SessionSummary, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, wire.SessionSummary{
			ID:          s.ID,
			TrackName:   s.TrackName,
			HostName:    s.HostName,
			PlayerCount: s.PlayerCount,
			MaxPlayers:  s.MaxPlayers,
			State:       s.State,
		})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID.String() < sessions[j].ID.String() })

	cars := make([]wire.CarConfigSummary, 0, len(c.cars))
	for _, car := range c.cars {
		cars = append(cars, wire.CarConfigSummary{ID: car.ID, Name: car.Name})
	}
	sort.Slice(cars, func(i, j int) bool { return cars[i].ID.String() < cars[j].ID.String() })

	tracks := make([]wire.TrackConfigSummary, 0, len(c.tracks))
	for _, tr := range c.tracks {
		tracks = append(tracks, wire.TrackConfigSummary{ID: tr.ID, Name: tr.Name})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID.String() < tracks[j].ID.String() })

	return wire.LobbyStatePayload{
		PlayersInLobby:    players,
		AvailableSessions: sessions,
		CarConfigs:        cars,
		TrackConfigs:      tracks,
	}
}

func (c *Catalog) broadcastLocked() {
	c.mu.RLock()
	cb := c.onBroadcast
	snapshot := c.snapshotLocked()
	c.mu.RUnlock()
	if cb != nil {
		cb(snapshot)
	}
}

// ParticipantSession returns the session a participant is currently in, or
// false when the participant is unknown or not in a session.
func (c *Catalog) ParticipantSession(pid ids.ParticipantID) (ids.SessionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.participants[pid]
	if !ok || p.sessionID == nil {
		return ids.NilSessionID, false
	}
	return *p.sessionID, true
}
