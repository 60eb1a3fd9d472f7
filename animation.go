package regionview

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// AnimationKind identifies what started an animation.
type AnimationKind int

const (
	AnimationFling AnimationKind = iota
	AnimationZoom
	AnimationSnapBack
)

func (k AnimationKind) String() string {
	switch k {
	case AnimationFling:
		return "fling"
	case AnimationZoom:
		return "zoom"
	case AnimationSnapBack:
		return "snap-back"
	default:
		return "unknown"
	}
}

// Easing maps linear time progress in [0, 1] to animation progress.
type Easing func(t float64) float64

// Linear is the identity easing.
func Linear(t float64) float64 { return clamp01(t) }

// Decelerate starts fast and slows towards the end, 1-(1-t)^2.
func Decelerate(t float64) float64 {
	t = clamp01(t)
	return 1 - (1-t)*(1-t)
}

// AccelerateDecelerate eases in and out along a cosine curve.
func AccelerateDecelerate(t float64) float64 {
	t = clamp01(t)
	return math.Cos((t+1)*math.Pi)/2 + 0.5
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// Animation describes a single in-flight region transition. The controller
// owns it; a driver reads Duration and Easing and feeds Tick.
type Animation struct {
	Kind     AnimationKind
	Start    State
	Target   State
	Duration time.Duration
	Easing   Easing
}

// Progress converts elapsed wall time to eased progress in [0, 1].
func (a Animation) Progress(elapsed time.Duration) float64 {
	if a.Duration <= 0 {
		return 1
	}
	t := float64(elapsed) / float64(a.Duration)
	if a.Easing == nil {
		return Linear(t)
	}
	return a.Easing(t)
}

// At interpolates the region for progress p. The four edges are lerped
// independently; both endpoints share the viewport aspect so the result does
// too.
func (a Animation) At(p float64) orb.Bound {
	return lerpBound(a.Start.Rect, a.Target.Rect, p)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpBound(from, to orb.Bound, t float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{lerp(from.Min[0], to.Min[0], t), lerp(from.Min[1], to.Min[1], t)},
		Max: orb.Point{lerp(from.Max[0], to.Max[0], t), lerp(from.Max[1], to.Max[1], t)},
	}
}
