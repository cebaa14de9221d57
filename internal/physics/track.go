package physics

import "math"

// Point2D is a centerline/raceline control point projected to the ground
// plane; the session runtime supplies these from catalog.TrackConfig.
type Point2D struct {
	X, Y float64
}

// RacelinePoint is one 3D control point of a track's centerline or raceline;
// catalog.RacelinePoint is the same type.
type RacelinePoint struct {
	X, Y, Z float64
}

// ProjectProgress finds the fractional progress (0..1) of position p along
// a closed or open polyline, by locating the nearest segment and
// interpolating within it. Used by FreePractice to advance per-car
// track-progress by projecting onto the centerline.
func ProjectProgress(line []Point2D, closed bool, p Point2D) float64 {
	if len(line) < 2 {
		return 0
	}
	segCount := len(line) - 1
	if closed {
		segCount = len(line)
	}

	bestDist := math.Inf(1)
	bestT := 0.0
	bestSeg := 0

	for i := 0; i < segCount; i++ {
		a := line[i]
		b := line[(i+1)%len(line)]
		t, d := closestPointOnSegment(a, b, p)
		if d < bestDist {
			bestDist = d
			bestT = t
			bestSeg = i
		}
	}

	return (float64(bestSeg) + bestT) / float64(segCount)
}

func closestPointOnSegment(a, b, p Point2D) (t, distSq float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		t = 0
	} else {
		t = ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
		t = clamp(t, 0, 1)
	}
	cx := a.X + t*dx
	cy := a.Y + t*dy
	ex, ey := p.X-cx, p.Y-cy
	return t, ex*ex + ey*ey
}

// LerpRaceline places a point at fractional progress (0..1) along a closed
// raceline, used by DemoLap's deterministic playback: integer segment
// index i = floor(progress*N), fractional t within the segment, linear
// interpolation between p_i and p_{i+1}, plus elevation and heading.
func LerpRaceline(line []RacelinePoint, progress float64) (pos RacelinePoint, heading float64) {
	n := len(line)
	if n == 0 {
		return RacelinePoint{}, 0
	}
	if n == 1 {
		return line[0], 0
	}

	progress = math.Mod(progress, 1.0)
	if progress < 0 {
		progress += 1.0
	}

	scaled := progress * float64(n)
	i := int(math.Floor(scaled))
	t := scaled - float64(i)
	i %= n
	j := (i + 1) % n

	a, b := line[i], line[j]
	pos = RacelinePoint{
		X: lerp(a.X, b.X, t),
		Y: lerp(a.Y, b.Y, t),
		Z: lerp(a.Z, b.Z, t),
	}
	heading = math.Atan2(b.Y-a.Y, b.X-a.X)
	return pos, heading
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
