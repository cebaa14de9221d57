// Package session implements the session runtime: the per-session mode
// state machine, roster, grid assignment, input ingestion, per-tick
// dispatch by mode, and telemetry assembly. Generalized from a chat
// channel's client map to a racing session's ordered grid roster, keeping
// the single-struct-with-mutex discipline rather than per-mode
// subclassing: modes are a closed enum dispatched by a switch, not virtual
// calls.
package session

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"raceserver/internal/aibot"
	"raceserver/internal/catalog"
	"raceserver/internal/ids"
	"raceserver/internal/physics"
	"raceserver/internal/wire"
)

// Mode is the closed set of session modes a session can be in.
type Mode int

const (
	ModeLobby Mode = iota
	ModeSandbox
	ModeCountdown
	ModeDemoLap
	ModeFreePractice
	ModeReplay        // stub: no-op
	ModeQualification // stub: falls back to FreePractice
	ModeRace          // stub: falls back to FreePractice
)

func (m Mode) String() string {
	switch m {
	case ModeLobby:
		return "Lobby"
	case ModeSandbox:
		return "Sandbox"
	case ModeCountdown:
		return "Countdown"
	case ModeDemoLap:
		return "DemoLap"
	case ModeFreePractice:
		return "FreePractice"
	case ModeReplay:
		return "Replay"
	case ModeQualification:
		return "Qualification"
	case ModeRace:
		return "Race"
	default:
		return "Unknown"
	}
}

// ParseMode maps a wire mode name to the closed Mode enum.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "Lobby":
		return ModeLobby, true
	case "Sandbox":
		return ModeSandbox, true
	case "Countdown":
		return ModeCountdown, true
	case "DemoLap":
		return ModeDemoLap, true
	case "FreePractice":
		return ModeFreePractice, true
	case "Replay":
		return ModeReplay, true
	case "Qualification":
		return ModeQualification, true
	case "Race":
		return ModeRace, true
	default:
		return ModeLobby, false
	}
}

const demoSpeedMps = 50.0

// carSlot is one roster entry's simulation state.
type carSlot struct {
	participantID ids.ParticipantID // NilParticipantID for AI-only slots
	isAI          bool
	aiBot         *aibot.Bot
	state         physics.State
	frozen        bool // true after a non-finite physics step; the car is not stepped again
	progress      float64
	lap           int
	bestLapMs     int64
	lapStartTick  uint64
}

// Outbox lets the session runtime hand outbound messages to the transport
// layer without importing it (the scheduler, which implements Outbox,
// depends on session, not the reverse).
type Outbox interface {
	SendToParticipant(pid ids.ParticipantID, msgType string, payload any)
	BroadcastToSession(sessionID ids.SessionID, msgType string, payload any)
}

// Session is one live racing instance: roster, mode, and per-car state.
// The scheduler drives it (Tick, SubmitInput and the roster and mode
// operations); one mutex protects the whole aggregate.
type Session struct {
	mu sync.Mutex

	ID            ids.SessionID
	hostID        ids.ParticipantID
	trackID       ids.TrackConfigID
	track         catalog.TrackConfig
	maxPlayers    int
	aiCount       int
	lapLimit      int
	kind          string
	mode          Mode
	createdAt     time.Time
	tick          uint64

	roster []*carSlot // index = grid slot

	countdownTicksRemaining int
	countdownNextMode       Mode
	demoProgress            float64

	pendingInputs map[ids.ParticipantID]physics.Input

	stepper physics.Stepper
	outbox  Outbox
	tickHz  float64

	log *slog.Logger
}

// New creates a session in Lobby mode with the host occupying grid slot 0.
func New(id ids.SessionID, host ids.ParticipantID, track catalog.TrackConfig, maxPlayers, aiCount, lapLimit int, kind string, stepper physics.Stepper, outbox Outbox, tickHz float64) *Session {
	s := &Session{
		ID:            id,
		hostID:        host,
		trackID:       track.ID,
		track:         track,
		maxPlayers:    maxPlayers,
		aiCount:       aiCount,
		lapLimit:      lapLimit,
		kind:          kind,
		mode:          ModeLobby,
		createdAt:     time.Now(),
		pendingInputs: make(map[ids.ParticipantID]physics.Input),
		stepper:       stepper,
		outbox:        outbox,
		tickHz:        tickHz,
		log:           slog.With("component", "session", "session_id", id),
	}
	s.roster = append(s.roster, &carSlot{participantID: host})
	for i := 0; i < aiCount; i++ {
		s.roster = append(s.roster, &carSlot{isAI: true, aiBot: aibot.Default()})
	}
	return s
}

// Mode returns the session's current mode (thread-safe snapshot).
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// HostID returns the current host participant id.
func (s *Session) HostID() ids.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

// RosterSize returns the number of occupied grid slots, human and AI.
func (s *Session) RosterSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

// AddHuman seats a newly joined human participant in the next free grid
// slot. Returns the assigned slot, or ok=false if the roster is already at
// max-players+ai-count capacity (catalog.JoinSession is expected to have
// already enforced max_players against human count, but AI occupy slots
// too so the runtime re-checks against the physical roster).
func (s *Session) AddHuman(pid ids.ParticipantID) (slot int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.roster) >= s.maxPlayers+s.aiCount {
		return 0, false
	}
	s.roster = append(s.roster, &carSlot{participantID: pid})
	return len(s.roster) - 1, true
}

// RemoveHuman removes a human participant's roster entry, reassigns host
// if they were the host (highest remaining participant by join order —
// i.e. the earliest-seated human still present), and reports whether any
// human remains.
func (s *Session) RemoveHuman(pid ids.ParticipantID) (humansRemain bool, newHost ids.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, slot := range s.roster {
		if !slot.isAI && slot.participantID == pid {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}

	humanFound := false
	for _, slot := range s.roster {
		if !slot.isAI {
			humanFound = true
			if s.hostID == pid || s.hostID == ids.NilParticipantID {
				s.hostID = slot.participantID
			}
		}
	}
	if !humanFound {
		s.hostID = ids.NilParticipantID
	}
	return humanFound, s.hostID
}

// HumanParticipants returns the participant ids currently occupying a
// human roster slot, in grid order. Used by the outbox to fan out
// broadcasts without the caller needing to know roster layout.
func (s *Session) HumanParticipants() []ids.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.ParticipantID
	for _, slot := range s.roster {
		if !slot.isAI {
			out = append(out, slot.participantID)
		}
	}
	return out
}

// SetMode performs the host-initiated mode transition: any host may switch
// the session directly into any mode (Lobby included), canceling any
// in-progress countdown.
func (s *Session) SetMode(requester ids.ParticipantID, m Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requester != s.hostID {
		return false
	}
	s.mode = m
	s.countdownTicksRemaining = 0
	if m == ModeDemoLap {
		s.demoProgress = 0
	}
	return true
}

// StartCountdown performs the host-initiated countdown transition. It emits
// the starting whole-second value immediately, before the first Tick runs,
// so a 3-second countdown reports 3, 2, 1 rather than skipping the initial
// value.
func (s *Session) StartCountdown(requester ids.ParticipantID, seconds int, next Mode) bool {
	s.mu.Lock()
	if requester != s.hostID || seconds <= 0 {
		s.mu.Unlock()
		return false
	}
	s.mode = ModeCountdown
	s.countdownTicksRemaining = int(float64(seconds) * s.tickHz)
	s.countdownNextMode = next
	s.mu.Unlock()

	s.outbox.BroadcastToSession(s.ID, wire.TypeCountdownUpdate, wire.CountdownUpdatePayload{SecondsRemaining: seconds})
	return true
}

// SubmitInput records the most-recent input sample for a participant,
// overwriting any sample already queued for this tick (most-recent-wins
// ingestion; stale samples never accumulate).
func (s *Session) SubmitInput(pid ids.ParticipantID, in physics.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInputs[pid] = in
}

// Tick advances the session by one scheduler tick, dispatching by mode.
// Called once per scheduler iteration in session-id order; never called
// concurrently with itself.
func (s *Session) Tick(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	switch s.mode {
	case ModeLobby, ModeReplay:
		// no-op; no telemetry
		return
	case ModeSandbox:
		s.emitTelemetryLocked(nil)
	case ModeCountdown:
		s.tickCountdownLocked()
	case ModeDemoLap:
		s.tickDemoLapLocked(dt)
	case ModeFreePractice, ModeQualification, ModeRace:
		s.tickFreePracticeLocked(dt)
	}

	s.pendingInputs = make(map[ids.ParticipantID]physics.Input, len(s.pendingInputs))
}

func (s *Session) tickCountdownLocked() {
	before := s.countdownTicksRemaining
	s.countdownTicksRemaining--

	beforeSeconds := secondsRemaining(before, s.tickHz)
	afterSeconds := secondsRemaining(s.countdownTicksRemaining, s.tickHz)
	if afterSeconds != beforeSeconds && s.countdownTicksRemaining > 0 {
		s.outbox.BroadcastToSession(s.ID, wire.TypeCountdownUpdate, wire.CountdownUpdatePayload{SecondsRemaining: afterSeconds})
	}

	if s.countdownTicksRemaining <= 0 {
		next := s.countdownNextMode
		if next == ModeCountdown {
			next = ModeLobby
		}
		s.mode = next
		s.outbox.BroadcastToSession(s.ID, wire.TypeGameModeChanged, wire.GameModeChangedPayload{Mode: next.String()})
	}
}

func secondsRemaining(ticks int, tickHz float64) int {
	if ticks <= 0 {
		return 0
	}
	return int(math.Ceil(float64(ticks) / tickHz))
}

func (s *Session) tickDemoLapLocked(dt float64) {
	if len(s.track.Raceline) == 0 {
		return
	}
	length := racelineLength(s.track.Raceline)
	if length <= 0 {
		return
	}
	s.demoProgress += (demoSpeedMps * dt) / length
	for s.demoProgress >= 1.0 {
		s.demoProgress -= 1.0
	}

	pos, heading := physics.LerpRaceline(s.track.Raceline, s.demoProgress)
	car := physics.State{
		PosX:  pos.X,
		PosY:  pos.Y,
		PosZ:  pos.Z + 1.2,
		Yaw:   heading,
		Speed: demoSpeedMps,
	}
	s.emitTelemetryLocked([]physics.State{car})
}

func racelineLength(line []physics.RacelinePoint) float64 {
	total := 0.0
	n := len(line)
	for i := 0; i < n; i++ {
		a := line[i]
		b := line[(i+1)%n]
		dx, dy, dz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
		total += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	return total
}

func (s *Session) tickFreePracticeLocked(dt float64) {
	centerline := make([]physics.Point2D, len(s.track.Centerline))
	for i, p := range s.track.Centerline {
		centerline[i] = physics.Point2D{X: p.X, Y: p.Y}
	}

	for _, slot := range s.roster {
		if slot.frozen {
			continue
		}
		var in physics.Input
		if slot.isAI {
			in = slot.aiBot.Step(slot.state, centerline, s.track.Closed)
		} else {
			in = s.pendingInputs[slot.participantID] // zero value = neutral default
		}

		next := s.stepper.Step(slot.state, in, dt)
		if !next.IsFinite() {
			slot.frozen = true
			s.log.Warn("physics step produced non-finite state, freezing car", "participant_id", slot.participantID)
			if !slot.isAI {
				s.outbox.SendToParticipant(slot.participantID, wire.TypeError, wire.ErrorPayload{
					Code:    500,
					Message: "physics step failed; car frozen",
				})
			}
			continue
		}
		slot.state = next
	}

	states := make([]physics.State, len(s.roster))
	for i, slot := range s.roster {
		states[i] = slot.state
	}
	if len(centerline) >= 2 {
		states = physics.ResolveAABBOverlap(states, 1.0, 2.2)
	}
	for i, slot := range s.roster {
		if slot.frozen {
			continue
		}
		slot.state = states[i]
		if len(centerline) >= 2 {
			s.updateLapProgressLocked(slot, centerline)
		}
	}

	s.emitTelemetryLocked(nil)
}

func (s *Session) updateLapProgressLocked(slot *carSlot, centerline []physics.Point2D) {
	newProgress := physics.ProjectProgress(centerline, s.track.Closed, physics.Point2D{X: slot.state.PosX, Y: slot.state.PosY})
	if s.track.Closed && slot.progress > 0.9 && newProgress < 0.1 {
		lapTicks := s.tick - slot.lapStartTick
		lapMs := int64(float64(lapTicks) / s.tickHz * 1000)
		slot.lap++
		if slot.bestLapMs == 0 || lapMs < slot.bestLapMs {
			slot.bestLapMs = lapMs
		}
		slot.lapStartTick = s.tick
	}
	slot.progress = newProgress
}

// emitTelemetryLocked builds and broadcasts one telemetry packet. If
// override is non-nil it is used verbatim as the car list (DemoLap's
// single synthetic car); otherwise the roster's current states are used.
func (s *Session) emitTelemetryLocked(override []physics.State) {
	var countdownMs *int64
	if s.mode == ModeCountdown {
		ms := int64(float64(s.countdownTicksRemaining) / s.tickHz * 1000)
		countdownMs = &ms
	}

	var carStates []wire.CarState
	if override != nil {
		for _, st := range override {
			carStates = append(carStates, toWireCarState(ids.NilParticipantID, st, 0, 0, 0))
		}
	} else {
		for _, slot := range s.roster {
			carStates = append(carStates, toWireCarState(slot.participantID, slot.state, slot.progress, slot.lap, slot.bestLapMs))
		}
	}

	payload := wire.TelemetryPayload{
		ServerTick:   s.tick,
		SessionState: s.mode.String(),
		GameMode:     s.mode.String(),
		CountdownMs:  countdownMs,
		CarStates:    carStates,
	}
	s.outbox.BroadcastToSession(s.ID, wire.TypeTelemetry, payload)
}

func toWireCarState(pid ids.ParticipantID, st physics.State, progress float64, lap int, bestLapMs int64) wire.CarState {
	return wire.CarState{
		ParticipantID: pid,
		PosX:          st.PosX,
		PosY:          st.PosY,
		PosZ:          st.PosZ,
		Yaw:           st.Yaw,
		Pitch:         st.Pitch,
		Roll:          st.Roll,
		Speed:         st.Speed,
		Progress:      progress,
		Lap:           lap,
		BestLapMs:     bestLapMs,
	}
}
