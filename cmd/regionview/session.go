package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tingold/regionview"
)

const frameInterval = 16 * time.Millisecond

type gesture struct {
	kind string
	args []float64
}

var gestureArity = map[string]int{
	"drag":  2,
	"pinch": 3,
	"fling": 2,
	"tap2":  2,
	"wait":  1,
}

// parseGestures reads "kind:a,b;kind:a" scripts.
func parseGestures(script string) ([]gesture, error) {
	var out []gesture
	for _, part := range strings.Split(script, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, rest, _ := strings.Cut(part, ":")
		want, ok := gestureArity[kind]
		if !ok {
			return nil, fmt.Errorf("unknown gesture %q", kind)
		}
		fields := strings.Split(rest, ",")
		if rest == "" || len(fields) != want {
			return nil, fmt.Errorf("gesture %q: want %d arguments, got %q", kind, want, rest)
		}
		g := gesture{kind: kind, args: make([]float64, want)}
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("gesture %q: %w", kind, err)
			}
			g.args[i] = v
		}
		out = append(out, g)
	}
	return out, nil
}

// session is a headless host: posted callbacks are queued and run by the
// command's own loop, and time is simulated.
type session struct {
	ctrl  *regionview.ViewportController
	queue *regionview.RenderQueue

	posted chan func()
	clock  time.Time

	invalidations int
	frame         *regionview.Frame
}

func newSession(cfg regionview.Config) *session {
	s := &session{
		posted: make(chan func(), 64),
		clock:  time.Unix(0, 0),
	}
	host := regionview.HostFuncs{
		InvalidateFunc: func() { s.invalidations++ },
		PostFunc:       func(fn func()) { s.posted <- fn },
	}
	s.ctrl = regionview.NewViewportController(host,
		regionview.WithConfig(cfg),
		regionview.WithLogger(logger),
		regionview.WithClock(func() time.Time { return s.clock }),
	)
	s.queue = regionview.NewRenderQueue(host, func(f *regionview.Frame) { s.frame = f }, logger)
	return s
}

func (s *session) apply(g gesture) {
	c := s.ctrl
	switch g.kind {
	case "drag":
		c.PointerDown()
		c.Drag(g.args[0], g.args[1])
		s.up(0)
	case "pinch":
		x, y, factor := g.args[0], g.args[1], g.args[2]
		c.PointerDown()
		c.PinchBegin(x, y)
		c.PinchUpdate(regionview.PinchEvent{
			FocusX: x, FocusY: y,
			PreviousSpan: 100, CurrentSpan: 100 * factor,
			ScaleFactor: factor,
		})
		c.PinchEnd()
		s.up(1)
		s.up(0)
	case "fling":
		c.PointerDown()
		c.Fling(regionview.FlingEvent{VelocityX: g.args[0], VelocityY: g.args[1], PointerCount: 1})
		s.up(0)
	case "tap2":
		c.PointerDown()
		s.up(0)
		c.DoubleTap(g.args[0], g.args[1])
	case "wait":
		s.clock = s.clock.Add(time.Duration(g.args[0]) * time.Millisecond)
	}
	s.settle()
}

func (s *session) up(remaining int) {
	s.ctrl.PointerUp(regionview.PointerUpEvent{Time: s.clock, PointersRemaining: remaining})
}

// settle plays the running animation to the end at frameInterval steps.
func (s *session) settle() {
	var elapsed time.Duration
	for s.ctrl.Phase() == regionview.PhaseAnimating {
		elapsed += frameInterval
		s.clock = s.clock.Add(frameInterval)
		s.ctrl.Advance(elapsed)
	}
	s.drain()
}

func (s *session) drain() {
	for {
		select {
		case fn := <-s.posted:
			fn()
		default:
			return
		}
	}
}

// render decodes the current region on the render queue and waits for the
// result to be posted back.
func (s *session) render(timeout time.Duration) (*regionview.Frame, error) {
	req, ok := s.ctrl.FrameRequest()
	if !ok {
		return nil, fmt.Errorf("nothing to render")
	}
	s.frame = nil
	s.queue.Submit(req)

	deadline := time.After(timeout)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for s.frame == nil {
		select {
		case fn := <-s.posted:
			fn()
		case <-poll.C:
			if s.queue.Stats().Failed > 0 {
				return nil, fmt.Errorf("decode of %v failed", req.Source)
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for decode of %v", req.Source)
		}
	}
	return s.frame, nil
}

func (s *session) close() {
	s.queue.Stop()
	s.ctrl.Close()
}
