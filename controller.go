package regionview

import (
	"image"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Phase is the controller's lifecycle state.
type Phase int

const (
	PhaseUnbound        Phase = iota // no image
	PhaseAwaitingLayout              // image bound, viewport size unknown
	PhaseReady                       // idle, gestures accepted
	PhaseAnimating                   // an Animation is in flight
)

func (p Phase) String() string {
	switch p {
	case PhaseUnbound:
		return "unbound"
	case PhaseAwaitingLayout:
		return "awaiting-layout"
	case PhaseReady:
		return "ready"
	case PhaseAnimating:
		return "animating"
	default:
		return "unknown"
	}
}

// Host is the view that embeds the controller. All calls happen on the
// goroutine that drives the controller.
type Host interface {
	RequestLayout()
	Invalidate()
	// Post runs fn later on the controller's goroutine.
	Post(fn func())
}

// HostFuncs adapts plain functions to Host. Nil members are no-ops, except
// PostFunc: a nil PostFunc runs the callback immediately.
type HostFuncs struct {
	RequestLayoutFunc func()
	InvalidateFunc    func()
	PostFunc          func(func())
}

func (h HostFuncs) RequestLayout() {
	if h.RequestLayoutFunc != nil {
		h.RequestLayoutFunc()
	}
}

func (h HostFuncs) Invalidate() {
	if h.InvalidateFunc != nil {
		h.InvalidateFunc()
	}
}

func (h HostFuncs) Post(fn func()) {
	if h.PostFunc != nil {
		h.PostFunc(fn)
		return
	}
	fn()
}

// PointerUpEvent is a pointer lift. PointersRemaining > 0 means a secondary
// pointer went up while others are still down.
type PointerUpEvent struct {
	Time              time.Time
	PointersRemaining int
}

// PinchEvent is one step of a two-finger scale gesture. FocusX and FocusY
// are display coordinates; ScaleFactor is CurrentSpan / PreviousSpan.
type PinchEvent struct {
	FocusX, FocusY float64
	CurrentSpan    float64
	PreviousSpan   float64
	ScaleFactor    float64
}

// FlingEvent is a release velocity in display pixels per second.
type FlingEvent struct {
	VelocityX    float64
	VelocityY    float64
	PointerCount int
}

// Option configures a ViewportController.
type Option func(*ViewportController)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *ViewportController) { c.logger = logger }
}

// WithClock replaces time.Now, for the fling debounce.
func WithClock(now func() time.Time) Option {
	return func(c *ViewportController) { c.now = now }
}

// WithOpener replaces the format-sniffing default opener.
func WithOpener(opener DecoderOpener) Option {
	return func(c *ViewportController) { c.opener = opener }
}

// WithConfig sets the tunables. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(c *ViewportController) { c.cfg = cfg.withDefaults() }
}

// ViewportController turns gestures and layout changes into region updates
// and animations. It is not safe for concurrent use: call it from the host's
// UI goroutine only.
type ViewportController struct {
	host   Host
	cfg    Config
	opener DecoderOpener
	logger *slog.Logger
	now    func() time.Time

	model *RegionModel
	phase Phase
	anim  *Animation

	pinching   bool
	pinchPivot orb.Point

	lastSecondaryUp time.Time
	debug           bool
}

// NewViewportController returns an unbound controller.
func NewViewportController(host Host, opts ...Option) *ViewportController {
	if host == nil {
		host = HostFuncs{}
	}
	c := &ViewportController{
		host:   host,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opener == nil {
		auto := NewAutoOpener(c.cfg)
		auto.SetLogger(c.logger)
		c.opener = auto
	}
	c.debug = c.cfg.DebugOverlay
	return c
}

// SetImage binds a new image. On failure the previous image, its decoder
// and the current phase are left as they were and the *DecodeError is
// returned. On success the controller owns src.
func (c *ViewportController) SetImage(src io.ReadSeeker) error {
	m, err := NewRegionModel(src, c.opener, c.cfg)
	if err != nil {
		c.logger.Warn("failed to bind image", "error", err)
		return err
	}

	c.CancelAnimation()
	old := c.model
	c.model = m
	c.pinching = false
	c.phase = PhaseAwaitingLayout
	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("failed to close previous decoder", "error", err)
		}
	}

	w, h := m.ImageSize()
	c.logger.Debug("image bound", "width", w, "height", h)

	// The first paint after a swap can still see the old frame; the posted
	// invalidate repaints once the new decode is in.
	c.host.RequestLayout()
	c.host.Invalidate()
	c.host.Post(c.host.Invalidate)
	return nil
}

// SetImageFromImage binds an in-memory image by encoding it to PNG.
func (c *ViewportController) SetImageFromImage(img image.Image) error {
	r, err := EncodePNG(img)
	if err != nil {
		return &DecodeError{Op: "open", Err: err}
	}
	return c.SetImage(r)
}

// Layout reports the viewport size. The first call after SetImage computes
// the initial region; later calls with a different size reset to it.
func (c *ViewportController) Layout(width, height int) error {
	if c.model == nil {
		return ErrNoImage
	}
	if c.model.LaidOut() {
		if w, h := c.model.Viewport(); w == width && h == height {
			return nil
		}
	}

	if err := c.model.SetDisplayRect(width, height); err != nil {
		return err
	}
	c.CancelAnimation()
	c.phase = PhaseReady
	c.host.Invalidate()
	return nil
}

// PointerDown cancels any running animation.
func (c *ViewportController) PointerDown() {
	c.CancelAnimation()
}

// Drag pans by a finger movement in display pixels. Positive dx moves the
// content right. Reports whether the region moved.
func (c *ViewportController) Drag(dx, dy float64) bool {
	c.CancelAnimation()
	if c.phase != PhaseReady {
		return false
	}
	if !c.model.CanScroll(dx, dy) {
		return false
	}
	moved := c.model.ScrollByUnscaled(dx, dy)
	if moved {
		c.host.Invalidate()
	}
	return moved
}

// PinchBegin captures the focus point, in image space, as the zoom pivot.
func (c *ViewportController) PinchBegin(focusX, focusY float64) bool {
	c.CancelAnimation()
	if c.phase != PhaseReady {
		return false
	}
	c.pinching = true
	c.pinchPivot = orb.Point{c.model.ToImageX(focusX), c.model.ToImageY(focusY)}
	return true
}

// PinchUpdate rescales around the pivot captured by PinchBegin.
func (c *ViewportController) PinchUpdate(e PinchEvent) bool {
	if c.phase != PhaseReady || !c.pinching {
		return false
	}
	if e.CurrentSpan == e.PreviousSpan || e.ScaleFactor <= 0 {
		return false
	}

	target := c.model.ClampScale(e.ScaleFactor * c.model.CurrentScale())
	px := c.model.FixPivotX(c.pinchPivot[0], target)
	py := c.model.FixPivotY(c.pinchPivot[1], target)
	c.model.Scale(target, px, py)
	c.host.Invalidate()
	return true
}

// PinchEnd ends the pinch. Snap-back waits for the final PointerUp.
func (c *ViewportController) PinchEnd() {
	c.pinching = false
}

// PointerUp records secondary lifts for the fling debounce. On the final
// lift a zoomed-out region animates back to the initial scale; the return
// value reports whether that happened.
func (c *ViewportController) PointerUp(e PointerUpEvent) bool {
	if e.PointersRemaining > 0 {
		c.lastSecondaryUp = e.Time
		return false
	}
	c.pinching = false

	if c.phase != PhaseReady || !c.model.IsZoomedOut() {
		return false
	}

	initial := c.model.InitialScale()
	center := c.model.State().Center()
	pivot := orb.Point{
		c.model.FixPivotX(center[0], initial),
		c.model.FixPivotY(center[1], initial),
	}
	target := c.model.CenteredAt(initial, pivot)
	return c.startAnimation(AnimationSnapBack, target, c.cfg.doubleTapDuration(), AccelerateDecelerate)
}

// Fling continues a fast single-pointer release as an animated pan. Reports
// whether an animation started.
func (c *ViewportController) Fling(e FlingEvent) bool {
	c.CancelAnimation()
	if c.phase != PhaseReady {
		return false
	}

	switch {
	case e.PointerCount > 1:
		c.logger.Debug("fling rejected", "reason", "multiple pointers")
		return false
	case c.pinching:
		c.logger.Debug("fling rejected", "reason", "pinching")
		return false
	case !c.lastSecondaryUp.IsZero() && c.now().Sub(c.lastSecondaryUp) <= c.cfg.minFlingDeltaTime():
		c.logger.Debug("fling rejected", "reason", "secondary pointer lifted")
		return false
	case math.Abs(e.VelocityX) <= c.cfg.MinFlingVelocity && math.Abs(e.VelocityY) <= c.cfg.MinFlingVelocity:
		return false
	}

	vw, vh := c.model.Viewport()
	dx := e.VelocityX / c.cfg.MaxFlingVelocity * float64(vw)
	dy := e.VelocityY / c.cfg.MaxFlingVelocity * float64(vh)
	if !c.model.CanScroll(dx, dy) {
		return false
	}

	target := c.model.PredictScroll(c.model.Scaled(dx), c.model.scaledY(dy))
	if target.Rect == c.model.State().Rect {
		return false
	}

	duration := time.Duration(math.Hypot(dx, dy)/5) * time.Millisecond
	duration = min(c.cfg.flingMaxDuration(), max(c.cfg.flingMinDuration(), duration))
	return c.startAnimation(AnimationFling, target, duration, Decelerate)
}

// DoubleTap zooms to the maximum scale around the tapped display point, or
// back to the initial scale when already zoomed.
func (c *ViewportController) DoubleTap(x, y float64) bool {
	c.CancelAnimation()
	if c.phase != PhaseReady {
		return false
	}

	scale := c.model.MaxScale()
	if c.model.IsZoomed() {
		scale = c.model.InitialScale()
	}
	target := c.model.PredictTargetRegion(scale, x, y)
	return c.startAnimation(AnimationZoom, target, c.cfg.doubleTapDuration(), Decelerate)
}

func (c *ViewportController) startAnimation(kind AnimationKind, target State, d time.Duration, easing Easing) bool {
	c.anim = &Animation{
		Kind:     kind,
		Start:    c.model.State(),
		Target:   target,
		Duration: d,
		Easing:   easing,
	}
	c.phase = PhaseAnimating
	c.logger.Debug("animation started", "kind", kind, "duration", d, "target", target.Rect)
	c.host.Invalidate()
	return true
}

// Tick applies eased progress p of the running animation; p is clamped to
// [0, 1]. It returns false once the animation is finished or was cancelled.
func (c *ViewportController) Tick(p float64) bool {
	if c.phase != PhaseAnimating || c.anim == nil || c.model == nil || !c.model.LaidOut() {
		return false
	}

	a := c.anim
	p = clamp01(p)
	if p == 1 {
		c.model.applyState(a.Target)
		c.anim = nil
		c.phase = PhaseReady
		c.host.Invalidate()
		return false
	}

	rect := a.At(p)
	scale := a.Start.Scale
	if a.Start.Scale != a.Target.Scale {
		if w := rect.Max[0] - rect.Min[0]; w > 0 {
			initial := c.model.InitialRegion()
			scale = (initial.Max[0] - initial.Min[0]) / w
		}
	}
	c.model.applyState(State{Rect: rect, Scale: scale})
	c.host.Invalidate()
	return true
}

// Advance is Tick driven by elapsed wall time since the animation started.
func (c *ViewportController) Advance(elapsed time.Duration) bool {
	if c.anim == nil {
		return false
	}
	if elapsed >= c.anim.Duration {
		return c.Tick(1)
	}
	return c.Tick(c.anim.Progress(elapsed))
}

// CancelAnimation stops the running animation where it is.
func (c *ViewportController) CancelAnimation() {
	if c.phase != PhaseAnimating {
		return
	}
	c.logger.Debug("animation cancelled", "kind", c.anim.Kind)
	c.anim = nil
	c.phase = PhaseReady
}

// Animation returns the running animation, if any.
func (c *ViewportController) Animation() (Animation, bool) {
	if c.anim == nil {
		return Animation{}, false
	}
	return *c.anim, true
}

func (c *ViewportController) Phase() Phase { return c.phase }

// State returns the current region; ok is false until the first layout.
func (c *ViewportController) State() (s State, ok bool) {
	if c.model == nil || !c.model.LaidOut() {
		return State{}, false
	}
	return c.model.State(), true
}

// Model exposes the bound region model, or nil.
func (c *ViewportController) Model() *RegionModel { return c.model }

// Viewport returns the last laid-out viewport size.
func (c *ViewportController) Viewport() (width, height int) {
	if c.model == nil {
		return 0, 0
	}
	return c.model.Viewport()
}

// Frame decodes the current region synchronously. Failures are logged and
// yield nil; the next call retries on whatever the region is then.
func (c *ViewportController) Frame() *Frame {
	req, ok := c.FrameRequest()
	if !ok {
		return nil
	}
	f, err := req.Decode()
	if err != nil {
		c.logger.Warn("frame decode failed", "region", req.Source, "sample_size", req.SampleSize, "error", err)
		return nil
	}
	return f
}

// FrameRequest snapshots a decode of the current region for a RenderQueue.
func (c *ViewportController) FrameRequest() (FrameRequest, bool) {
	if c.model == nil || !c.model.LaidOut() || c.model.Closed() {
		return FrameRequest{}, false
	}
	return c.model.Request(c.model.State()), true
}

// SetDebug toggles the debug overlay drawn by Compose.
func (c *ViewportController) SetDebug(on bool) {
	if c.debug == on {
		return
	}
	c.debug = on
	c.host.Invalidate()
}

func (c *ViewportController) Debug() bool { return c.debug }

// Close releases the bound image.
func (c *ViewportController) Close() error {
	c.CancelAnimation()
	c.pinching = false
	c.phase = PhaseUnbound
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}
