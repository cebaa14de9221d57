package aibot

import (
	"testing"

	"raceserver/internal/physics"
)

func TestStepIdlesWithoutCenterline(t *testing.T) {
	b := Default()
	in := b.Step(physics.State{}, nil, false)
	if in.Throttle != 0 || in.Brake != 0 || in.Steering != 0 {
		t.Fatalf("expected neutral input with no centerline, got %+v", in)
	}
}

func TestStepAccelerateFromStandstill(t *testing.T) {
	b := Default()
	centerline := []physics.Point2D{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}

	in := b.Step(physics.State{}, centerline, true)
	if in.Throttle <= 0 {
		t.Fatalf("expected positive throttle from standstill below target speed, got %+v", in)
	}
	if in.Brake != 0 {
		t.Fatalf("expected no braking below target speed, got %+v", in)
	}
}

func TestStepBrakesAboveTargetSpeed(t *testing.T) {
	b := Default()
	centerline := []physics.Point2D{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}

	fast := physics.State{Speed: b.TargetSpeed + 20}
	in := b.Step(fast, centerline, true)
	if in.Brake <= 0 {
		t.Fatalf("expected braking above target speed, got %+v", in)
	}
}

func TestStepSteersTowardCenterline(t *testing.T) {
	b := Default()
	centerline := []physics.Point2D{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}

	// Car sits off to the side of the first straight, facing along it.
	off := physics.State{PosX: 50, PosY: 10, Yaw: 0}
	in := b.Step(off, centerline, true)
	if in.Steering == 0 {
		t.Fatal("expected nonzero steering correction when offset from the centerline")
	}
}
