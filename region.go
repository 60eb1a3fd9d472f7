package regionview

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/paulmach/orb"
)

// moveEpsilon is the smallest translation, in image pixels, that counts as
// movement.
const moveEpsilon = 1e-6

// State is an immutable snapshot of the region: the rectangle of the image
// currently stretched over the viewport, and the scale it was derived from.
// Rect uses image pixel coordinates with y growing downwards, so Min is the
// top-left corner.
type State struct {
	Rect  orb.Bound
	Scale float64
}

// Width of the region in image pixels.
func (s State) Width() float64 { return s.Rect.Max[0] - s.Rect.Min[0] }

// Height of the region in image pixels.
func (s State) Height() float64 { return s.Rect.Max[1] - s.Rect.Min[1] }

// Center of the region in image pixels.
func (s State) Center() orb.Point { return s.Rect.Center() }

// Frame is a decoded region ready to composite.
type Frame struct {
	Image      image.Image     // decoded pixels of Source, possibly downsampled
	Source     image.Rectangle // image-space rectangle actually decoded
	State      State           // region the frame was decoded for
	SampleSize int
}

// RegionModel tracks which rectangle of a large image is shown in the
// viewport. It owns the decoder handle; geometry is only touched from the
// owning goroutine.
type RegionModel struct {
	imageWidth  float64
	imageHeight float64

	viewportWidth  float64
	viewportHeight float64
	laidOut        bool

	initial orb.Bound
	rect    orb.Bound

	scale        float64
	initialScale float64
	minScale     float64
	maxScale     float64

	decoder *decoderHandle
}

// NewRegionModel probes the image size, rewinds src and opens a region
// decoder on it. Every failure is a *DecodeError.
func NewRegionModel(src io.ReadSeeker, opener DecoderOpener, cfg Config) (*RegionModel, error) {
	cfg = cfg.withDefaults()

	w, h, err := opener.Probe(src)
	if err != nil {
		return nil, &DecodeError{Op: "probe", Err: err}
	}
	if w <= 0 || h <= 0 {
		return nil, &DecodeError{Op: "probe", Err: fmt.Errorf("cannot decode input stream, width=%d, height=%d", w, h)}
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, &DecodeError{Op: "rewind", Err: err}
	}

	dec, err := opener.Open(src)
	if err != nil {
		return nil, &DecodeError{Op: "open", Err: err}
	}

	m := &RegionModel{
		imageWidth:   float64(w),
		imageHeight:  float64(h),
		scale:        1,
		initialScale: 1,
		decoder:      newDecoderHandle(dec),
	}
	m.minScale = m.initialScale * cfg.MinScaleFactor
	m.maxScale = m.initialScale * cfg.MaxScaleFactor
	return m, nil
}

// SetDisplayRect recomputes the initial region for a viewport of the given
// size and resets the region to it.
func (m *RegionModel) SetDisplayRect(width, height int) error {
	if m.decoder.isClosed() {
		return ErrClosed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidViewport, width, height)
	}

	m.viewportWidth = float64(width)
	m.viewportHeight = float64(height)

	initHeight := m.viewportHeight * m.imageWidth / m.viewportWidth
	top := 0.0
	if m.imageHeight/m.imageWidth <= m.viewportHeight/m.viewportWidth {
		// Short image: the region overhangs it equally above and below.
		top = -(initHeight - m.imageHeight) / 2
	}
	m.initial = orb.Bound{
		Min: orb.Point{0, top},
		Max: orb.Point{m.imageWidth, top + initHeight},
	}
	m.rect = m.initial
	m.scale = m.initialScale
	m.laidOut = true
	return nil
}

// mustBeReady panics when geometry is used before the first layout or after
// Close. Both are caller bugs.
func (m *RegionModel) mustBeReady(op string) {
	if !m.laidOut {
		panic(fmt.Sprintf("regionview: %s called before SetDisplayRect", op))
	}
	if m.decoder.isClosed() {
		panic(fmt.Sprintf("regionview: %s called after Close", op))
	}
}

// LaidOut reports whether SetDisplayRect has succeeded at least once.
func (m *RegionModel) LaidOut() bool { return m.laidOut }

// Closed reports whether the decoder has been released.
func (m *RegionModel) Closed() bool { return m.decoder.isClosed() }

// State returns a snapshot of the current region.
func (m *RegionModel) State() State {
	return State{Rect: m.rect, Scale: m.scale}
}

// InitialRegion returns the fit-to-width region for the current viewport.
func (m *RegionModel) InitialRegion() orb.Bound { return m.initial }

// ImageSize returns the full image size in pixels.
func (m *RegionModel) ImageSize() (width, height int) {
	return int(m.imageWidth), int(m.imageHeight)
}

// Viewport returns the size passed to the last SetDisplayRect.
func (m *RegionModel) Viewport() (width, height int) {
	return int(m.viewportWidth), int(m.viewportHeight)
}

func (m *RegionModel) MinScale() float64     { return m.minScale }
func (m *RegionModel) MaxScale() float64     { return m.maxScale }
func (m *RegionModel) InitialScale() float64 { return m.initialScale }
func (m *RegionModel) CurrentScale() float64 { return m.scale }

func (m *RegionModel) IsZoomedIn() bool  { return m.scale > m.initialScale }
func (m *RegionModel) IsZoomedOut() bool { return m.scale < m.initialScale }
func (m *RegionModel) IsZoomed() bool    { return m.IsZoomedIn() || m.IsZoomedOut() }

// ClampScale limits s to [MinScale, MaxScale].
func (m *RegionModel) ClampScale(s float64) float64 {
	return math.Min(m.maxScale, math.Max(s, m.minScale))
}

func (m *RegionModel) regionWidth(scale float64) float64 {
	return (m.initial.Max[0] - m.initial.Min[0]) / scale
}

func (m *RegionModel) regionHeight(scale float64) float64 {
	return (m.initial.Max[1] - m.initial.Min[1]) / scale
}

// Scaled converts a display-space length to image pixels at the current scale.
func (m *RegionModel) Scaled(length float64) float64 {
	m.mustBeReady("Scaled")
	return length * (m.initial.Max[0] - m.initial.Min[0]) / m.viewportWidth / m.scale
}

func (m *RegionModel) scaledY(length float64) float64 {
	return length * (m.initial.Max[1] - m.initial.Min[1]) / m.viewportHeight / m.scale
}

// ToImageX maps a display x coordinate into image space.
func (m *RegionModel) ToImageX(x float64) float64 {
	m.mustBeReady("ToImageX")
	return m.Scaled(x) + m.rect.Min[0]
}

// ToImageY maps a display y coordinate into image space.
func (m *RegionModel) ToImageY(y float64) float64 {
	m.mustBeReady("ToImageY")
	return m.scaledY(y) + m.rect.Min[1]
}

// ToDisplayX is the inverse of ToImageX.
func (m *RegionModel) ToDisplayX(x float64) float64 {
	m.mustBeReady("ToDisplayX")
	return (x - m.rect.Min[0]) * m.scale * m.viewportWidth / (m.initial.Max[0] - m.initial.Min[0])
}

// ToDisplayY is the inverse of ToImageY.
func (m *RegionModel) ToDisplayY(y float64) float64 {
	m.mustBeReady("ToDisplayY")
	return (y - m.rect.Min[1]) * m.scale * m.viewportHeight / (m.initial.Max[1] - m.initial.Min[1])
}

// FixPivotX clamps an image-space x so a region of the given scale centered
// on it stays on the image.
func (m *RegionModel) FixPivotX(x, scale float64) float64 {
	m.mustBeReady("FixPivotX")
	inset := math.Min(m.regionWidth(scale), m.imageWidth) / 2
	return math.Min(m.imageWidth-inset, math.Max(inset, x))
}

// FixPivotY is FixPivotX for the vertical axis.
func (m *RegionModel) FixPivotY(y, scale float64) float64 {
	m.mustBeReady("FixPivotY")
	inset := math.Min(m.regionHeight(scale), m.imageHeight) / 2
	return math.Min(m.imageHeight-inset, math.Max(inset, y))
}

// CenteredAt returns the region of the given (clamped) scale centered on
// pivot. It does not fix the pivot.
func (m *RegionModel) CenteredAt(scale float64, pivot orb.Point) State {
	m.mustBeReady("CenteredAt")
	scale = m.ClampScale(scale)
	hw := m.regionWidth(scale) / 2
	hh := m.regionHeight(scale) / 2
	return State{
		Rect: orb.Bound{
			Min: orb.Point{pivot[0] - hw, pivot[1] - hh},
			Max: orb.Point{pivot[0] + hw, pivot[1] + hh},
		},
		Scale: scale,
	}
}

// Scale sets the absolute scale (clamped) and recenters the region on the
// image-space pivot.
func (m *RegionModel) Scale(targetScale, pivotX, pivotY float64) State {
	s := m.CenteredAt(targetScale, orb.Point{pivotX, pivotY})
	m.rect = s.Rect
	m.scale = s.Scale
	return s
}

// PredictTargetPivot returns the image-space pivot a zoom to targetScale
// around the display point (x, y) would end on. State is not modified.
func (m *RegionModel) PredictTargetPivot(targetScale, x, y float64) orb.Point {
	m.mustBeReady("PredictTargetPivot")
	targetScale = m.ClampScale(targetScale)
	return orb.Point{
		m.FixPivotX(m.ToImageX(x), targetScale),
		m.FixPivotY(m.ToImageY(y), targetScale),
	}
}

// PredictTargetRegion is PredictTargetPivot expanded to the full region.
func (m *RegionModel) PredictTargetRegion(targetScale, x, y float64) State {
	return m.CenteredAt(targetScale, m.PredictTargetPivot(targetScale, x, y))
}

// ScrollByUnscaled pans by a display-space delta. Positive dx moves the
// content right, revealing more of the image's left side.
func (m *RegionModel) ScrollByUnscaled(dx, dy float64) bool {
	m.mustBeReady("ScrollByUnscaled")
	return m.translate(m.Scaled(dx), m.scaledY(dy))
}

// ScrollByScaled pans by an image-space delta.
func (m *RegionModel) ScrollByScaled(dx, dy float64) bool {
	m.mustBeReady("ScrollByScaled")
	return m.translate(dx, dy)
}

// PredictScroll returns where ScrollByScaled(dx, dy) would leave the region
// without applying it.
func (m *RegionModel) PredictScroll(dx, dy float64) State {
	m.mustBeReady("PredictScroll")
	fx, fy := m.fixedScroll(-dx, -dy)
	return State{Rect: offsetBound(m.rect, fx, fy), Scale: m.scale}
}

func (m *RegionModel) translate(dx, dy float64) bool {
	fx, fy := m.fixedScroll(-dx, -dy)
	m.rect = offsetBound(m.rect, fx, fy)
	return math.Abs(fx) > moveEpsilon || math.Abs(fy) > moveEpsilon
}

func (m *RegionModel) fixedScroll(dx, dy float64) (float64, float64) {
	return m.fixedScrollX(dx), m.fixedScrollY(dy)
}

func (m *RegionModel) fixedScrollX(dx float64) float64 {
	left, right := m.rect.Min[0], m.rect.Max[0]
	if m.scale >= m.initialScale {
		switch {
		case left+dx < 0:
			return -left
		case right+dx > m.imageWidth:
			return m.imageWidth - right
		default:
			return dx
		}
	}

	// Zoomed out the region is wider than the image; keep the image inside it.
	switch {
	case left+dx > 0:
		return -left
	case right+dx < m.imageWidth:
		return m.imageWidth - right
	default:
		return dx
	}
}

func (m *RegionModel) fixedScrollY(dy float64) float64 {
	top, bottom := m.rect.Min[1], m.rect.Max[1]
	switch {
	case m.scale < m.initialScale:
		return 0
	case top <= 0 && bottom >= m.imageHeight:
		return 0
	case top >= 0 && top+dy < 0:
		return -top
	case bottom <= m.imageHeight && bottom+dy > m.imageHeight:
		return m.imageHeight - bottom
	default:
		return dy
	}
}

// CanScroll reports whether a display-space drag of (dx, dy) has room to move
// on at least one axis.
func (m *RegionModel) CanScroll(dx, dy float64) bool {
	m.mustBeReady("CanScroll")
	return m.canScrollX(dx) || m.canScrollY(dy)
}

func (m *RegionModel) canScrollX(dx float64) bool {
	if dx > 0 {
		return m.rect.Min[0] > 0
	}
	return m.rect.Max[0] < m.imageWidth
}

func (m *RegionModel) canScrollY(dy float64) bool {
	if dy > 0 {
		return m.rect.Min[1] > 0
	}
	return m.rect.Max[1] < m.imageHeight
}

// applyState installs a state produced by a prediction or an animation step.
func (m *RegionModel) applyState(s State) {
	m.mustBeReady("applyState")
	m.rect = s.Rect
	m.scale = m.ClampScale(s.Scale)
}

// SampleSize is the decoder downsample factor for the current region.
func (m *RegionModel) SampleSize() int {
	return m.sampleSizeFor(m.State())
}

func (m *RegionModel) sampleSizeFor(s State) int {
	if m.viewportWidth <= 0 {
		return 1
	}
	return int(s.Width()/m.viewportWidth) + 1
}

// FrameRequest is everything needed to decode one frame, captured on the
// owning goroutine so Decode can run on any other.
type FrameRequest struct {
	State      State
	Source     image.Rectangle
	SampleSize int
	decoder    *decoderHandle
}

// Request snapshots a decode of s.
func (m *RegionModel) Request(s State) FrameRequest {
	if !m.laidOut {
		panic("regionview: Request called before SetDisplayRect")
	}
	return FrameRequest{
		State:      s,
		Source:     clipToImage(s.Rect, int(m.imageWidth), int(m.imageHeight)),
		SampleSize: m.sampleSizeFor(s),
		decoder:    m.decoder,
	}
}

// Decode runs the request. Failures wrap ErrDecodeFrame, or are ErrClosed
// when the model was released in the meantime.
func (r FrameRequest) Decode() (*Frame, error) {
	if r.Source.Empty() {
		return nil, fmt.Errorf("%w: region %v does not intersect the image", ErrDecodeFrame, r.State.Rect)
	}

	img, err := r.decoder.decode(r.Source, r.SampleSize)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecodeFrame, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: decoder returned no image", ErrDecodeFrame)
	}

	return &Frame{Image: img, Source: r.Source, State: r.State, SampleSize: r.SampleSize}, nil
}

// DecodeFrame decodes the part of s that lies on the image. A failure leaves
// the model untouched.
func (m *RegionModel) DecodeFrame(s State) (*Frame, error) {
	return m.Request(s).Decode()
}

// Close releases the decoder. Safe to call more than once.
func (m *RegionModel) Close() error {
	return m.decoder.close()
}

func offsetBound(b orb.Bound, dx, dy float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min[0] + dx, b.Min[1] + dy},
		Max: orb.Point{b.Max[0] + dx, b.Max[1] + dy},
	}
}
