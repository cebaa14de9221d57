package session

import (
	"math"
	"testing"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
	"raceserver/internal/physics"
	"raceserver/internal/wire"
)

type recordingOutbox struct {
	sent []sentMsg
}

type sentMsg struct {
	participant ids.ParticipantID
	session     ids.SessionID
	msgType     string
	payload     any
}

func (o *recordingOutbox) SendToParticipant(pid ids.ParticipantID, msgType string, payload any) {
	o.sent = append(o.sent, sentMsg{participant: pid, msgType: msgType, payload: payload})
}

func (o *recordingOutbox) BroadcastToSession(sessionID ids.SessionID, msgType string, payload any) {
	o.sent = append(o.sent, sentMsg{session: sessionID, msgType: msgType, payload: payload})
}

func (o *recordingOutbox) last(msgType string) (sentMsg, bool) {
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].msgType == msgType {
			return o.sent[i], true
		}
	}
	return sentMsg{}, false
}

func (o *recordingOutbox) count(msgType string) int {
	n := 0
	for _, m := range o.sent {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

// countdownSecondsSent returns every seconds_remaining value broadcast via
// CountdownUpdate, in order.
func (o *recordingOutbox) countdownSecondsSent() []int {
	var out []int
	for _, m := range o.sent {
		if m.msgType == wire.TypeCountdownUpdate {
			out = append(out, m.payload.(wire.CountdownUpdatePayload).SecondsRemaining)
		}
	}
	return out
}

func testTrack() catalog.TrackConfig {
	return catalog.TrackConfig{
		ID:         ids.NewTrackConfigID(),
		Name:       "Test Circuit",
		Closed:     true,
		Centerline: []catalog.RacelinePoint{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}},
		Raceline:   []catalog.RacelinePoint{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}},
	}
}

func newTestSession(mode Mode) (*Session, *recordingOutbox, ids.ParticipantID) {
	host := ids.NewParticipantID()
	outbox := &recordingOutbox{}
	track := testTrack()
	s := New(ids.NewSessionID(), host, track, 8, 1, 5, "Multiplayer", physics.Default(physics.DefaultTuning), outbox, 240)
	s.mode = mode
	return s, outbox, host
}

func TestNewSessionSeatsHostAndAI(t *testing.T) {
	s, _, host := newTestSession(ModeLobby)
	if s.RosterSize() != 2 {
		t.Fatalf("expected host + 1 AI = 2 roster slots, got %d", s.RosterSize())
	}
	if s.HostID() != host {
		t.Fatalf("expected host id %v, got %v", host, s.HostID())
	}
}

func TestLobbyTickIsNoop(t *testing.T) {
	s, outbox, _ := newTestSession(ModeLobby)
	s.Tick(1.0 / 240.0)
	if len(outbox.sent) != 0 {
		t.Fatalf("expected no outbound messages in Lobby mode, got %d", len(outbox.sent))
	}
}

func TestSandboxEmitsStaticTelemetry(t *testing.T) {
	s, outbox, _ := newTestSession(ModeSandbox)
	s.Tick(1.0 / 240.0)
	msg, ok := outbox.last(wire.TypeTelemetry)
	if !ok {
		t.Fatal("expected a telemetry broadcast in Sandbox mode")
	}
	payload := msg.payload.(wire.TelemetryPayload)
	if payload.GameMode != "Sandbox" {
		t.Fatalf("expected game_mode Sandbox, got %q", payload.GameMode)
	}
}

func TestSetModeOnlyHostAllowed(t *testing.T) {
	s, _, host := newTestSession(ModeLobby)
	intruder := ids.NewParticipantID()

	if s.SetMode(intruder, ModeSandbox) {
		t.Fatal("expected non-host SetMode to be rejected")
	}
	if s.Mode() != ModeLobby {
		t.Fatalf("expected mode unchanged after rejected SetMode, got %v", s.Mode())
	}
	if !s.SetMode(host, ModeSandbox) {
		t.Fatal("expected host SetMode to succeed")
	}
	if s.Mode() != ModeSandbox {
		t.Fatalf("expected mode Sandbox after host SetMode, got %v", s.Mode())
	}
}

func TestCountdownReachesZeroAndTransitions(t *testing.T) {
	s, outbox, host := newTestSession(ModeLobby)
	if !s.StartCountdown(host, 3, ModeFreePractice) {
		t.Fatal("expected StartCountdown to succeed for host")
	}
	if s.Mode() != ModeCountdown {
		t.Fatalf("expected mode Countdown, got %v", s.Mode())
	}

	dt := 1.0 / 240.0
	for i := 0; i < 3*240+1; i++ {
		s.Tick(dt)
	}

	if s.Mode() != ModeFreePractice {
		t.Fatalf("expected mode FreePractice after countdown expires, got %v", s.Mode())
	}
	if outbox.count(wire.TypeGameModeChanged) != 1 {
		t.Fatalf("expected exactly 1 GameModeChanged broadcast, got %d", outbox.count(wire.TypeGameModeChanged))
	}

	wantSeconds := []int{3, 2, 1}
	gotSeconds := outbox.countdownSecondsSent()
	if len(gotSeconds) != len(wantSeconds) {
		t.Fatalf("expected CountdownUpdate sequence %v, got %v", wantSeconds, gotSeconds)
	}
	for i, want := range wantSeconds {
		if gotSeconds[i] != want {
			t.Fatalf("expected CountdownUpdate sequence %v, got %v", wantSeconds, gotSeconds)
		}
	}
}

func TestSetModeDuringCountdownAborts(t *testing.T) {
	s, _, host := newTestSession(ModeLobby)
	s.StartCountdown(host, 5, ModeFreePractice)
	if !s.SetMode(host, ModeSandbox) {
		t.Fatal("expected SetMode to succeed during Countdown")
	}
	if s.Mode() != ModeSandbox {
		t.Fatalf("expected mode Sandbox after abort, got %v", s.Mode())
	}
}

func TestDemoLapAdvancesAndWraps(t *testing.T) {
	s, outbox, _ := newTestSession(ModeDemoLap)
	dt := 1.0 / 240.0

	// Track perimeter is 400m at 50 m/s: one lap every 8s = 1920 ticks.
	for i := 0; i < 1920; i++ {
		s.Tick(dt)
	}

	msg, ok := outbox.last(wire.TypeTelemetry)
	if !ok {
		t.Fatal("expected telemetry during DemoLap")
	}
	payload := msg.payload.(wire.TelemetryPayload)
	if len(payload.CarStates) != 1 {
		t.Fatalf("expected exactly one synthetic demo car, got %d", len(payload.CarStates))
	}
	car := payload.CarStates[0]
	if car.PosX < -1 || car.PosX > 1 || car.PosY < -1 || car.PosY > 1 {
		t.Fatalf("expected demo car to have returned near the origin after one full lap, got (%v, %v)", car.PosX, car.PosY)
	}
}

func TestFreePracticeAdvancesPhysics(t *testing.T) {
	s, outbox, host := newTestSession(ModeFreePractice)
	s.SubmitInput(host, physics.Input{Throttle: 1})

	for i := 0; i < 240; i++ {
		s.Tick(1.0 / 240.0)
	}

	msg, ok := outbox.last(wire.TypeTelemetry)
	if !ok {
		t.Fatal("expected telemetry during FreePractice")
	}
	payload := msg.payload.(wire.TelemetryPayload)
	var hostState *wire.CarState
	for i := range payload.CarStates {
		if payload.CarStates[i].ParticipantID == host {
			hostState = &payload.CarStates[i]
		}
	}
	if hostState == nil {
		t.Fatal("expected host car state in telemetry")
	}
	if hostState.Speed <= 0 {
		t.Fatalf("expected host car to have accelerated, got speed %v", hostState.Speed)
	}
}

func TestFreePracticeFreezesCarOnNonFiniteStep(t *testing.T) {
	badStepper := physics.StepperFunc(func(state physics.State, in physics.Input, dt float64) physics.State {
		return physics.State{PosX: math.NaN()}
	})

	host := ids.NewParticipantID()
	outbox := &recordingOutbox{}
	track := testTrack()
	s := New(ids.NewSessionID(), host, track, 8, 0, 5, "Multiplayer", badStepper, outbox, 240)
	s.mode = ModeFreePractice
	s.SubmitInput(host, physics.Input{Throttle: 1})

	s.Tick(1.0 / 240.0)

	if _, ok := outbox.last(wire.TypeError); !ok {
		t.Fatal("expected an Error message to the owning participant after a non-finite physics step")
	}
	if s.roster[0].frozen != true {
		t.Fatal("expected the car to be marked frozen")
	}
}

func TestRemoveHumanReassignsHost(t *testing.T) {
	s, _, host := newTestSession(ModeLobby)
	second := ids.NewParticipantID()
	s.AddHuman(second)

	humansRemain, newHost := s.RemoveHuman(host)
	if !humansRemain {
		t.Fatal("expected a human to remain")
	}
	if newHost != second {
		t.Fatalf("expected host reassigned to %v, got %v", second, newHost)
	}
}

func TestRemoveHumanDestroysWhenLastHumanLeaves(t *testing.T) {
	s, _, host := newTestSession(ModeLobby)
	humansRemain, _ := s.RemoveHuman(host)
	if humansRemain {
		t.Fatal("expected no humans to remain after the only human leaves")
	}
}
