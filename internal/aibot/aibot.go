// Package aibot synthesizes per-tick driver input for AI-controlled grid
// slots, the same way an in-process synthetic client drives periodic
// generated traffic in place of real input: a simple lane-following
// driver so FreePractice sessions can be populated without human players.
package aibot

import (
	"math"

	"raceserver/internal/physics"
)

// Bot synthesizes input for one AI-controlled car each tick. It holds no
// reference to shared session state; the session runtime calls Step with
// the car's current physics.State and track centerline and receives back
// the input sample to feed the physics stepper this tick, exactly as a
// human participant's most-recent PlayerInput sample would be used.
type Bot struct {
	TargetSpeed float64 // desired cruising speed, m/s
	LookAhead   float64 // meters ahead along the centerline aimed at
}

// Default returns a Bot with a modest cruising speed, enough to complete
// laps without tripping AABB overlap resolution against parked cars.
func Default() *Bot {
	return &Bot{TargetSpeed: 25, LookAhead: 12}
}

// Step computes this tick's throttle/brake/steering for a car following
// centerline, given its current state. If centerline is empty the bot
// idles (neutral input) rather than guessing at a path for a track with
// no geometry.
func (b *Bot) Step(state physics.State, centerline []physics.Point2D, closed bool) physics.Input {
	if len(centerline) < 2 {
		return physics.Input{}
	}

	progress := physics.ProjectProgress(centerline, closed, physics.Point2D{X: state.PosX, Y: state.PosY})
	aimProgress := progress + b.LookAhead/centerlineLength(centerline, closed)

	target, _ := physics.LerpRaceline(toRacelinePoints(centerline), aimProgress)
	dx := target.X - state.PosX
	dy := target.Y - state.PosY
	desiredHeading := math.Atan2(dy, dx)

	headingError := normalizeAngle(desiredHeading - state.Yaw)
	steering := clamp(headingError/(math.Pi/4), -1, 1)

	var throttle, brake float64
	switch {
	case state.Speed < b.TargetSpeed:
		throttle = clamp((b.TargetSpeed-state.Speed)/5, 0, 1)
	case state.Speed > b.TargetSpeed:
		brake = clamp((state.Speed-b.TargetSpeed)/5, 0, 1)
	}

	// Ease off the throttle into sharp turns so the bot doesn't fling
	// itself off track at TargetSpeed.
	if math.Abs(headingError) > math.Pi/6 {
		throttle *= 0.3
	}

	return physics.Input{Throttle: throttle, Brake: brake, Steering: steering}
}

func toRacelinePoints(line []physics.Point2D) []physics.RacelinePoint {
	out := make([]physics.RacelinePoint, len(line))
	for i, p := range line {
		out[i] = physics.RacelinePoint{X: p.X, Y: p.Y}
	}
	return out
}

func centerlineLength(line []physics.Point2D, closed bool) float64 {
	total := 0.0
	n := len(line)
	segCount := n - 1
	if closed {
		segCount = n
	}
	for i := 0; i < segCount; i++ {
		a := line[i]
		b := line[(i+1)%n]
		dx, dy := b.X-a.X, b.Y-a.Y
		total += math.Hypot(dx, dy)
	}
	if total == 0 {
		return 1
	}
	return total
}

func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
