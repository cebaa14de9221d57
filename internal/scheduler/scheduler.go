// Package scheduler implements the tick scheduler: the single master loop
// that drains the transport fabric's bounded inbound channels, dispatches
// every live session's tick in deterministic session-id order, and
// periodically reaps stale connections. Generalized from a set of
// goroutine-per-concern periodic loops into one fixed-rate cooperative
// scheduler, decoupled from the transport layer through callback wiring.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
	"raceserver/internal/metrics"
	"raceserver/internal/physics"
	"raceserver/internal/registry"
	"raceserver/internal/session"
	"raceserver/internal/transport"
	"raceserver/internal/wire"
)

// ServerVersion is reported in AuthSuccess so clients can detect a protocol
// mismatch early.
const ServerVersion = "raceserver/1.0"

// drainBudget bounds how long a single drain pass may run before yielding
// to session dispatch, so a burst of inbound traffic can't starve ticks.
const drainBudget = 100 * time.Microsecond

// defaultCountdownSeconds is used for the bare StartSession shortcut, which
// carries no explicit countdown-length payload of its own.
const defaultCountdownSeconds = 3

// Fabric is the subset of the transport layer the scheduler depends on.
// transport.Fabric satisfies this implicitly; tests inject a fake.
type Fabric interface {
	StreamInbound() <-chan transport.InboundMessage
	DatagramInbound() <-chan transport.InboundMessage
	SendToConnection(ctx context.Context, connID ids.ConnectionID, msgType string, payload any)
	SendDatagramToConnection(connID ids.ConnectionID, msgType string, payload any)
}

// Audit is the diagnostic session lifecycle trail the scheduler writes to,
// satisfied by *store.Store. Optional: a nil Audit disables recording
// without touching call sites. The audit trail is ambient diagnostics, not
// authoritative state — nothing here feeds back into tick dispatch.
type Audit interface {
	RecordSessionEvent(ctx context.Context, sessionID ids.SessionID, event, detail string) error
}

// Scheduler owns the set of live sessions and drives them at a fixed rate.
// It is the only writer of the sessions map; readers (BroadcastToSession,
// metrics) take the RLock.
type Scheduler struct {
	mu       sync.RWMutex
	sessions map[ids.SessionID]*session.Session

	registry *registry.Registry
	catalog  *catalog.Catalog
	fabric   Fabric
	metrics  *metrics.Metrics
	audit    Audit

	tickHz           float64
	heartbeatTimeout time.Duration
	tick             uint64

	runCtx context.Context // set once at Run entry; read-only thereafter

	log *slog.Logger
}

// New creates a Scheduler. Call Run to start driving it; Run wires the
// registry eviction and catalog broadcast callbacks before entering its
// loop.
func New(reg *registry.Registry, cat *catalog.Catalog, fabric Fabric, m *metrics.Metrics, tickHz float64, heartbeatTimeout time.Duration) *Scheduler {
	return &Scheduler{
		sessions:         make(map[ids.SessionID]*session.Session),
		registry:         reg,
		catalog:          cat,
		fabric:           fabric,
		metrics:          m,
		tickHz:           tickHz,
		heartbeatTimeout: heartbeatTimeout,
		runCtx:           context.Background(),
		log:              slog.With("component", "scheduler"),
	}
}

// SetAudit attaches a session lifecycle audit sink. Call before Run; nil is
// valid and disables recording.
func (s *Scheduler) SetAudit(audit Audit) {
	s.audit = audit
}

// recordAudit is a nil-safe best-effort write: a failing or absent audit
// sink never affects the authoritative tick loop.
func (s *Scheduler) recordAudit(sessionID ids.SessionID, event, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordSessionEvent(s.runCtx, sessionID, event, detail); err != nil {
		s.log.Warn("audit record failed", "event", event, "session_id", sessionID, "error", err)
	}
}

// Run drives the scheduler until ctx is canceled. It never returns an
// error of its own; per-message and per-session failures are contained and
// logged rather than propagated — only boot-time errors are fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.registry.SetOnEvicted(s.handleParticipantEvicted)
	s.catalog.SetOnBroadcast(s.handleLobbyBroadcast)

	dt := 1.0 / s.tickHz
	tickInterval := time.Duration(float64(time.Second) / s.tickHz)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	reapTicker := time.NewTicker(time.Second)
	defer reapTicker.Stop()

	s.log.Info("scheduler started", "tick_hz", s.tickHz, "tick_interval", tickInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-reapTicker.C:
			s.registry.Reap(time.Now(), s.heartbeatTimeout)
		case start := <-ticker.C:
			s.drainStream(start.Add(drainBudget))
			s.drainDatagram(start.Add(2 * drainBudget))
			s.tickSessionsInOrder(dt)
			s.tick++
			if time.Since(start) > tickInterval {
				if s.metrics != nil {
					s.metrics.TickOverruns.Inc()
				}
			}
		}
	}
}

// drainStream processes queued control messages until the channel is
// empty or deadline passes, whichever comes first. Non-blocking: an empty
// channel returns immediately rather than waiting for the next message.
func (s *Scheduler) drainStream(deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case msg := <-s.fabric.StreamInbound():
			s.handleStreamMessage(msg)
		default:
			return
		}
	}
}

// drainDatagram processes queued PlayerInput samples the same way.
func (s *Scheduler) drainDatagram(deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case msg := <-s.fabric.DatagramInbound():
			s.handleDatagramMessage(msg)
		default:
			return
		}
	}
}

func (s *Scheduler) tickSessionsInOrder(dt float64) {
	s.mu.RLock()
	ordered := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ordered = append(ordered, sess)
	}
	s.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.String() < ordered[j].ID.String() })
	for _, sess := range ordered {
		sess.Tick(dt)
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(ordered)))
	}
}

// --- inbound stream routing ---------------------------------------------

func (s *Scheduler) handleStreamMessage(msg transport.InboundMessage) {
	conn := s.registry.Connection(msg.ConnID)
	if conn == nil {
		return
	}

	switch msg.Type {
	case wire.TypeAuthenticate:
		s.handleAuthenticate(msg.ConnID, msg.Data)
	case wire.TypeHeartbeat:
		s.handleHeartbeat(msg.ConnID, conn)
	case wire.TypeSelectCar:
		s.handleSelectCar(conn, msg.Data)
	case wire.TypeRequestLobby:
		s.fabric.SendToConnection(s.runCtx, msg.ConnID, wire.TypeLobbyState, s.catalog.ListLobbyState())
	case wire.TypeCreateSession:
		s.handleCreateSession(conn, msg.Data)
	case wire.TypeJoinSession:
		s.handleJoinSession(conn, msg.Data)
	case wire.TypeLeaveSession:
		s.handleLeaveSession(conn)
	case wire.TypeStartSession:
		s.handleStartSession(conn)
	case wire.TypeSetGameMode:
		s.handleSetGameMode(conn, msg.Data)
	case wire.TypeStartCountdown:
		s.handleStartCountdown(conn, msg.Data)
	case wire.TypeDisconnect:
		s.registry.Evict(msg.ConnID, "client disconnect")
	default:
		s.log.Debug("unhandled stream message type", "type", msg.Type)
	}
}

func (s *Scheduler) handleAuthenticate(connID ids.ConnectionID, data json.RawMessage) {
	var payload wire.AuthenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.registry.Evict(connID, "malformed authenticate")
		return
	}

	pid, err := s.registry.Authenticate(connID, payload.Token)
	if err != nil {
		s.fabric.SendToConnection(s.runCtx, connID, wire.TypeAuthFailure, wire.AuthFailurePayload{Reason: "invalid token"})
		s.registry.Evict(connID, "auth failed")
		return
	}

	if prior, hadPrior := s.catalog.JoinLobby(pid, payload.PlayerName); hadPrior {
		s.SendToParticipant(prior, wire.TypeSessionStolen, wire.SessionStolenPayload{
			Reason: "another connection authenticated under the same name",
		})
		s.registry.EvictPriorByParticipant(prior, "session stolen: reconnected under same name")
	}

	s.fabric.SendToConnection(s.runCtx, connID, wire.TypeAuthSuccess, wire.AuthSuccessPayload{
		PlayerID:      pid,
		ServerVersion: ServerVersion,
	})
}

func (s *Scheduler) handleHeartbeat(connID ids.ConnectionID, conn *registry.Connection) {
	s.registry.Touch(connID)
	s.fabric.SendToConnection(s.runCtx, connID, wire.TypeHeartbeatAck, wire.HeartbeatAckPayload{ServerTick: s.tick})
}

func (s *Scheduler) handleSelectCar(conn *registry.Connection, data json.RawMessage) {
	if !conn.Authenticated {
		return
	}
	var payload wire.SelectCarPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	s.catalog.SelectCar(conn.ParticipantID, payload.CarConfigID)
}

func (s *Scheduler) handleCreateSession(conn *registry.Connection, data json.RawMessage) {
	if !conn.Authenticated {
		return
	}
	var payload wire.CreateSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	track, ok := s.catalog.Track(payload.TrackConfigID)
	if !ok {
		s.sendError(conn.ID, 400, "unknown track config")
		return
	}

	sessionID, err := s.catalog.CreateSession(conn.ParticipantID, payload.TrackConfigID, payload.MaxPlayers, payload.AICount, payload.LapLimit, payload.SessionKind)
	if err != nil {
		s.sendError(conn.ID, errorCodeFor(err), err.Error())
		return
	}

	sess := session.New(sessionID, conn.ParticipantID, track, payload.MaxPlayers, payload.AICount, payload.LapLimit, payload.SessionKind, physics.Default(physics.DefaultTuning), s, s.tickHz)
	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	s.recordAudit(sessionID, "created", fmt.Sprintf("host=%s kind=%s track=%s", conn.ParticipantID, payload.SessionKind, payload.TrackConfigID))

	s.fabric.SendToConnection(s.runCtx, conn.ID, wire.TypeSessionJoined, wire.SessionJoinedPayload{SessionID: sessionID, YourGridPosition: 0})
}

func (s *Scheduler) handleJoinSession(conn *registry.Connection, data json.RawMessage) {
	if !conn.Authenticated {
		return
	}
	var payload wire.JoinSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	if err := s.catalog.JoinSession(conn.ParticipantID, payload.SessionID); err != nil {
		s.sendError(conn.ID, errorCodeFor(err), err.Error())
		return
	}

	s.mu.RLock()
	sess := s.sessions[payload.SessionID]
	s.mu.RUnlock()
	if sess == nil {
		s.sendError(conn.ID, 500, "session runtime missing")
		return
	}

	slot, ok := sess.AddHuman(conn.ParticipantID)
	if !ok {
		s.sendError(conn.ID, 409, "session full")
		return
	}
	s.fabric.SendToConnection(s.runCtx, conn.ID, wire.TypeSessionJoined, wire.SessionJoinedPayload{SessionID: payload.SessionID, YourGridPosition: slot})
}

func (s *Scheduler) handleLeaveSession(conn *registry.Connection) {
	if !conn.Authenticated {
		return
	}
	s.leaveCurrentSession(conn.ParticipantID)
	s.fabric.SendToConnection(s.runCtx, conn.ID, wire.TypeSessionLeft, nil)
}

// leaveCurrentSession removes pid from both the catalog's membership view
// and the session runtime's roster, destroying the runtime when the last
// human departs, and notifying any humans left behind.
func (s *Scheduler) leaveCurrentSession(pid ids.ParticipantID) {
	sessionID, inSession := s.catalog.ParticipantSession(pid)
	s.catalog.LeaveSession(pid)
	if !inSession {
		return
	}

	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}

	humansRemain, _ := sess.RemoveHuman(pid)
	if !humansRemain {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		s.recordAudit(sessionID, "destroyed", "last human departed")
		return
	}
	s.BroadcastToSession(sessionID, wire.TypePlayerDisconnected, wire.PlayerDisconnectedPayload{PlayerID: pid})
}

func (s *Scheduler) handleStartSession(conn *registry.Connection) {
	if !conn.Authenticated {
		return
	}
	sessionID, ok := s.catalog.ParticipantSession(conn.ParticipantID)
	if !ok {
		return
	}
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	if !sess.StartCountdown(conn.ParticipantID, defaultCountdownSeconds, session.ModeFreePractice) {
		s.sendError(conn.ID, 403, "only the host may start the session")
		return
	}
	s.BroadcastToSession(sessionID, wire.TypeSessionStarting, wire.SessionStartingPayload{CountdownSeconds: defaultCountdownSeconds})
}

func (s *Scheduler) handleSetGameMode(conn *registry.Connection, data json.RawMessage) {
	if !conn.Authenticated {
		return
	}
	var payload wire.SetGameModePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	mode, ok := session.ParseMode(payload.Mode)
	if !ok {
		s.sendError(conn.ID, 400, "unknown game mode")
		return
	}

	sessionID, ok := s.catalog.ParticipantSession(conn.ParticipantID)
	if !ok {
		return
	}
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	if !sess.SetMode(conn.ParticipantID, mode) {
		s.sendError(conn.ID, 403, "only the host may change game mode")
		return
	}
	s.catalog.UpdateSessionState(sessionID, mode.String())
	s.recordAudit(sessionID, "mode_changed", fmt.Sprintf("mode=%s host=%s", mode, conn.ParticipantID))
}

func (s *Scheduler) handleStartCountdown(conn *registry.Connection, data json.RawMessage) {
	if !conn.Authenticated {
		return
	}
	var payload wire.StartCountdownPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	next, ok := session.ParseMode(payload.NextMode)
	if !ok {
		s.sendError(conn.ID, 400, "unknown next game mode")
		return
	}

	sessionID, ok := s.catalog.ParticipantSession(conn.ParticipantID)
	if !ok {
		return
	}
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	if !sess.StartCountdown(conn.ParticipantID, payload.CountdownSeconds, next) {
		s.sendError(conn.ID, 403, "only the host may start a countdown")
		return
	}
	s.BroadcastToSession(sessionID, wire.TypeSessionStarting, wire.SessionStartingPayload{CountdownSeconds: payload.CountdownSeconds})
}

func (s *Scheduler) sendError(connID ids.ConnectionID, code int, message string) {
	s.fabric.SendToConnection(s.runCtx, connID, wire.TypeError, wire.ErrorPayload{Code: code, Message: message})
}

func errorCodeFor(err error) int {
	switch err {
	case catalog.ErrSessionFull:
		return 409
	default:
		return 400
	}
}

// --- inbound datagram routing --------------------------------------------

func (s *Scheduler) handleDatagramMessage(msg transport.InboundMessage) {
	if msg.Type != wire.TypePlayerInput {
		return
	}
	conn := s.registry.Connection(msg.ConnID)
	if conn == nil || !conn.Authenticated {
		return
	}

	var payload wire.PlayerInputPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return
	}

	sessionID, ok := s.catalog.ParticipantSession(conn.ParticipantID)
	if !ok {
		return
	}
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	sess.SubmitInput(conn.ParticipantID, physics.Input{
		Throttle: payload.Throttle,
		Brake:    payload.Brake,
		Steering: payload.Steering,
	})
}

// --- session.Outbox implementation --------------------------------------

// SendToParticipant implements session.Outbox, routing through the
// registry's participant index. Telemetry goes out over the datagram
// path; every other message type uses the reliable stream queue.
func (s *Scheduler) SendToParticipant(pid ids.ParticipantID, msgType string, payload any) {
	conn := s.registry.ConnectionByParticipant(pid)
	if conn == nil {
		return
	}
	if msgType == wire.TypeTelemetry {
		s.fabric.SendDatagramToConnection(conn.ID, msgType, payload)
		return
	}
	s.fabric.SendToConnection(s.runCtx, conn.ID, msgType, payload)
}

// BroadcastToSession implements session.Outbox, fanning out to every
// currently human roster member of the named session.
func (s *Scheduler) BroadcastToSession(sessionID ids.SessionID, msgType string, payload any) {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	for _, pid := range sess.HumanParticipants() {
		s.SendToParticipant(pid, msgType, payload)
	}
}

// --- registry/catalog callbacks -------------------------------------------

// handleParticipantEvicted cleans up catalog membership and session roster
// state when a connection is evicted (timeout, backpressure, or explicit
// disconnect), and notifies any humans left in the session.
func (s *Scheduler) handleParticipantEvicted(pid ids.ParticipantID, reason string) {
	s.leaveCurrentSession(pid)
	s.catalog.LeaveLobby(pid)
}

// handleLobbyBroadcast pushes a fresh LobbyState to every known
// participant whenever the catalog's discovery surface changes.
func (s *Scheduler) handleLobbyBroadcast(snapshot wire.LobbyStatePayload) {
	for _, p := range snapshot.PlayersInLobby {
		s.SendToParticipant(p.ID, wire.TypeLobbyState, snapshot)
	}
}

// SessionCount reports the number of live sessions, for diagnostics.
func (s *Scheduler) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
