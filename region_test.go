package regionview

import (
	"bytes"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const tolerance = 1e-9

// fakeDecoder returns blank gray images and can be told to fail.
type fakeDecoder struct {
	failNext   int
	calls      int
	closed     int
	lastRect   image.Rectangle
	lastSample int
}

func (d *fakeDecoder) DecodeRegion(rect image.Rectangle, sampleSize int) (image.Image, error) {
	d.calls++
	d.lastRect = rect
	d.lastSample = sampleSize
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("decoder hiccup")
	}
	return image.NewGray(image.Rect(0, 0, max(1, rect.Dx()/sampleSize), max(1, rect.Dy()/sampleSize))), nil
}

func (d *fakeDecoder) Close() error {
	d.closed++
	return nil
}

// fakeOpener reports a fixed size and hands out a new fakeDecoder per Open.
type fakeOpener struct {
	width, height int
	probeErr      error
	openErr       error
	decoders      []*fakeDecoder
}

func (o *fakeOpener) Probe(io.ReadSeeker) (int, int, error) {
	if o.probeErr != nil {
		return 0, 0, o.probeErr
	}
	return o.width, o.height, nil
}

func (o *fakeOpener) Open(io.ReadSeeker) (RegionDecoder, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	d := &fakeDecoder{}
	o.decoders = append(o.decoders, d)
	return d, nil
}

func (o *fakeOpener) last() *fakeDecoder { return o.decoders[len(o.decoders)-1] }

func newTestModel(t *testing.T, iw, ih, vw, vh int) (*RegionModel, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{width: iw, height: ih}
	m, err := NewRegionModel(bytes.NewReader(nil), opener, DefaultConfig())
	if err != nil {
		t.Fatalf("NewRegionModel failed: %v", err)
	}
	if err := m.SetDisplayRect(vw, vh); err != nil {
		t.Fatalf("SetDisplayRect failed: %v", err)
	}
	return m, opener
}

func bound(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

func boundsEqual(a, b orb.Bound) bool {
	return math.Abs(a.Min[0]-b.Min[0]) < 1e-6 && math.Abs(a.Min[1]-b.Min[1]) < 1e-6 &&
		math.Abs(a.Max[0]-b.Max[0]) < 1e-6 && math.Abs(a.Max[1]-b.Max[1]) < 1e-6
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

func TestInitialRegion(t *testing.T) {
	tests := []struct {
		name           string
		iw, ih, vw, vh int
		want           orb.Bound
	}{
		{"tall image fits to width", 1000, 5000, 500, 1000, bound(0, 0, 1000, 2000)},
		{"short image is centered", 1000, 500, 500, 1000, bound(0, -750, 1000, 1250)},
		{"same aspect", 1000, 2000, 500, 1000, bound(0, 0, 1000, 2000)},
		{"landscape viewport", 400, 3000, 800, 600, bound(0, 0, 400, 300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t, tt.iw, tt.ih, tt.vw, tt.vh)
			if got := m.InitialRegion(); !boundsEqual(got, tt.want) {
				t.Errorf("Expected initial region %v, got %v", tt.want, got)
			}
			s := m.State()
			if !boundsEqual(s.Rect, tt.want) || s.Scale != 1 {
				t.Errorf("Expected state %v at scale 1, got %v at %v", tt.want, s.Rect, s.Scale)
			}
		})
	}
}

func TestScaleIsClamped(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)

	tests := []struct {
		requested float64
		want      float64
	}{
		{10, 2},
		{2, 2},
		{1.5, 1.5},
		{0.6, 0.6},
		{0.1, 0.6},
		{-3, 0.6},
	}
	for _, tt := range tests {
		s := m.Scale(tt.requested, 500, 2500)
		if math.Abs(s.Scale-tt.want) > tolerance || math.Abs(m.CurrentScale()-tt.want) > tolerance {
			t.Errorf("Scale(%v): expected %v, got %v", tt.requested, tt.want, s.Scale)
		}
		if got, want := s.Width(), 1000/tt.want; math.Abs(got-want) > 1e-6 {
			t.Errorf("Scale(%v): expected width %v, got %v", tt.requested, want, got)
		}
	}
}

func TestFixPivotContainment(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	const w, h = 1000.0, 5000.0

	for _, scale := range []float64{0.6, 0.8, 1, 1.3, 2} {
		for _, p := range []orb.Point{{-500, -500}, {0, 0}, {123, 4900}, {999, 2500}, {1500, 9000}} {
			pivot := orb.Point{m.FixPivotX(p[0], scale), m.FixPivotY(p[1], scale)}
			s := m.CenteredAt(scale, pivot)

			if s.Width() <= w {
				if s.Rect.Min[0] < -1e-9 || s.Rect.Max[0] > w+1e-9 {
					t.Errorf("scale %v pivot %v: x range %v..%v leaves the image", scale, p, s.Rect.Min[0], s.Rect.Max[0])
				}
			} else if pivot[0] != w/2 {
				t.Errorf("scale %v: wide region should center on the image, pivot x %v", scale, pivot[0])
			}
			if s.Height() <= h {
				if s.Rect.Min[1] < -1e-9 || s.Rect.Max[1] > h+1e-9 {
					t.Errorf("scale %v pivot %v: y range %v..%v leaves the image", scale, p, s.Rect.Min[1], s.Rect.Max[1])
				}
			} else if pivot[1] != h/2 {
				t.Errorf("scale %v: tall region should center on the image, pivot y %v", scale, pivot[1])
			}
		}
	}
}

func TestPanStopsAtLeftEdge(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	m.Scale(2, 250, 500)

	if left := m.State().Rect.Min[0]; math.Abs(left) > tolerance {
		t.Fatalf("Expected left edge at 0, got %v", left)
	}
	for i := 0; i < 5; i++ {
		if m.ScrollByUnscaled(50, 0) {
			t.Fatalf("Iteration %d: expected no movement past the left edge", i)
		}
	}
	if left := m.State().Rect.Min[0]; left != 0 {
		t.Errorf("Left edge moved to %v", left)
	}

	// The other way is free.
	if !m.ScrollByUnscaled(-50, 0) {
		t.Error("Expected movement away from the edge")
	}
}

func TestDisplayImageRoundTrip(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	m.Scale(1.5, 400, 1200)
	m.ScrollByUnscaled(-37, -211)

	for x := 0.0; x <= 500; x += 50 {
		if got := m.ToDisplayX(m.ToImageX(x)); math.Abs(got-x) > 1e-6 {
			t.Errorf("x %v round-tripped to %v", x, got)
		}
	}
	for y := 0.0; y <= 1000; y += 100 {
		if got := m.ToDisplayY(m.ToImageY(y)); math.Abs(got-y) > 1e-6 {
			t.Errorf("y %v round-tripped to %v", y, got)
		}
	}

	s := m.State()
	if got := m.ToImageX(0); math.Abs(got-s.Rect.Min[0]) > 1e-6 {
		t.Errorf("Display origin should map to region origin, got %v want %v", got, s.Rect.Min[0])
	}
	if got := m.ToImageX(500); math.Abs(got-s.Rect.Max[0]) > 1e-6 {
		t.Errorf("Display right edge should map to region right edge, got %v want %v", got, s.Rect.Max[0])
	}
}

func TestZoomedOutVerticalLock(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	m.Scale(0.6, 500, 2500)
	if !m.IsZoomedOut() {
		t.Fatal("Expected zoomed out")
	}

	before := m.State()
	for _, dy := range []float64{-10000, -1, 1, 10000} {
		if m.ScrollByUnscaled(0, dy) {
			t.Errorf("dy %v: expected no vertical movement while zoomed out", dy)
		}
	}
	if m.State() != before {
		t.Errorf("State changed: %v -> %v", before, m.State())
	}
}

func TestZoomedOutHorizontalClamp(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	m.Scale(0.6, 500, 2500)

	if !m.ScrollByUnscaled(-1000, 0) {
		t.Fatal("Expected movement")
	}
	s := m.State()
	if math.Abs(s.Rect.Min[0]) > 1e-6 {
		t.Errorf("Expected the image's left edge at the region's left edge, got %v", s.Rect.Min[0])
	}
	if m.ScrollByUnscaled(-1000, 0) {
		t.Error("Expected no further movement")
	}
}

func TestVerticalPanClampsToBottom(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)

	if !m.ScrollByUnscaled(0, -10000) {
		t.Fatal("Expected movement")
	}
	if got := m.State().Rect; !boundsEqual(got, bound(0, 3000, 1000, 5000)) {
		t.Errorf("Expected region at the bottom, got %v", got)
	}
	if m.ScrollByUnscaled(0, -1) {
		t.Error("Expected no movement past the bottom")
	}
	if !m.ScrollByScaled(0, 100) {
		t.Error("Expected image-space scroll back up")
	}
	if got := m.State().Rect.Min[1]; math.Abs(got-2900) > 1e-6 {
		t.Errorf("Expected top at 2900, got %v", got)
	}
}

func TestVerticalPanDisabledWhenImageFits(t *testing.T) {
	m, _ := newTestModel(t, 1000, 500, 500, 1000)
	if m.ScrollByUnscaled(0, -300) || m.ScrollByUnscaled(0, 300) {
		t.Error("Expected no vertical movement when the region spans the image height")
	}
}

func TestCanScroll(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)

	tests := []struct {
		dx, dy float64
		want   bool
	}{
		{0, 1, false},  // already at the top
		{0, -1, true},  // room below
		{1, 0, true},   // y side has room below
		{-1, 5, false}, // right edge and top edge both reached
		{-1, -5, true},
	}
	for _, tt := range tests {
		if got := m.CanScroll(tt.dx, tt.dy); got != tt.want {
			t.Errorf("CanScroll(%v, %v) = %v, want %v", tt.dx, tt.dy, got, tt.want)
		}
	}
}

func TestPredictScrollDoesNotMutate(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	m.Scale(2, 500, 2500)
	before := m.State()

	predicted := m.PredictScroll(-120, 300)
	if m.State() != before {
		t.Fatal("PredictScroll changed the state")
	}

	m.ScrollByScaled(-120, 300)
	if m.State() != predicted {
		t.Errorf("Expected scroll to land on prediction %v, got %v", predicted, m.State())
	}
}

func TestDoubleTapPrediction(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	initial := m.InitialRegion()

	zoom := m.PredictTargetRegion(m.MaxScale(), 250, 500)
	if m.State().Scale != 1 {
		t.Fatal("Prediction changed the scale")
	}
	if math.Abs(zoom.Width()-500) > 1e-6 || math.Abs(zoom.Height()-1000) > 1e-6 {
		t.Errorf("Expected half-size region, got %vx%v", zoom.Width(), zoom.Height())
	}
	if c := zoom.Center(); math.Abs(c[0]-500) > 1e-6 || math.Abs(c[1]-1000) > 1e-6 {
		t.Errorf("Expected region centered on the tap (500,1000), got %v", c)
	}

	m.applyState(zoom)
	back := m.PredictTargetRegion(m.InitialScale(), 250, 500)
	if !boundsEqual(back.Rect, initial) || back.Scale != 1 {
		t.Errorf("Expected return to %v, got %v at %v", initial, back.Rect, back.Scale)
	}
}

func TestPredictTargetPivotStaysOnImage(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)

	p := m.PredictTargetPivot(2, 0, 0)
	if p != (orb.Point{250, 500}) {
		t.Errorf("Expected corner tap to clamp to (250,500), got %v", p)
	}
}

func TestDecodeFailureMidSession(t *testing.T) {
	m, opener := newTestModel(t, 1000, 5000, 500, 1000)
	dec := opener.last()
	m.Scale(2, 500, 2500)
	before := m.State()

	dec.failNext = 1
	if _, err := m.DecodeFrame(m.State()); !errors.Is(err, ErrDecodeFrame) {
		t.Fatalf("Expected ErrDecodeFrame, got %v", err)
	}
	if m.State() != before {
		t.Fatalf("Failed decode changed state: %v -> %v", before, m.State())
	}

	f, err := m.DecodeFrame(m.State())
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if f.State != before {
		t.Errorf("Frame decoded for %v, want %v", f.State, before)
	}
	if want := image.Rect(250, 2000, 750, 3000); f.Source != want {
		t.Errorf("Expected source %v, got %v", want, f.Source)
	}
	if f.SampleSize != 2 || dec.lastSample != 2 {
		t.Errorf("Expected sample size 2, got %d (decoder saw %d)", f.SampleSize, dec.lastSample)
	}
}

func TestDecodeFrameClipsToImage(t *testing.T) {
	m, opener := newTestModel(t, 1000, 500, 500, 1000)

	f, err := m.DecodeFrame(m.State())
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if want := image.Rect(0, 0, 1000, 500); f.Source != want || opener.last().lastRect != want {
		t.Errorf("Expected clipped source %v, got %v", want, f.Source)
	}

	off := State{Rect: bound(2000, 0, 3000, 2000), Scale: 1}
	if _, err := m.DecodeFrame(off); !errors.Is(err, ErrDecodeFrame) {
		t.Errorf("Expected ErrDecodeFrame for off-image region, got %v", err)
	}
}

func TestSampleSize(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	if got := m.SampleSize(); got != 3 {
		t.Errorf("Expected sample size 3 at rest, got %d", got)
	}
	m.Scale(2, 500, 2500)
	if got := m.SampleSize(); got != 2 {
		t.Errorf("Expected sample size 2 zoomed in, got %d", got)
	}
}

func TestNewRegionModelErrors(t *testing.T) {
	probeErr := errors.New("not an image")
	openErr := errors.New("corrupt")

	tests := []struct {
		name   string
		opener *fakeOpener
		op     string
	}{
		{"probe fails", &fakeOpener{probeErr: probeErr}, "probe"},
		{"zero width", &fakeOpener{width: 0, height: 10}, "probe"},
		{"zero height", &fakeOpener{width: 10, height: 0}, "probe"},
		{"open fails", &fakeOpener{width: 10, height: 10, openErr: openErr}, "open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegionModel(bytes.NewReader(nil), tt.opener, DefaultConfig())
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Expected *DecodeError, got %v", err)
			}
			if de.Op != tt.op {
				t.Errorf("Expected op %q, got %q", tt.op, de.Op)
			}
			if !errors.Is(err, ErrDecode) {
				t.Error("Expected errors.Is(err, ErrDecode)")
			}
		})
	}
}

func TestSetDisplayRectRejectsEmptyViewport(t *testing.T) {
	m, _ := newTestModel(t, 1000, 5000, 500, 1000)
	for _, size := range [][2]int{{0, 100}, {100, 0}, {-1, -1}} {
		if err := m.SetDisplayRect(size[0], size[1]); !errors.Is(err, ErrInvalidViewport) {
			t.Errorf("SetDisplayRect(%v): expected ErrInvalidViewport, got %v", size, err)
		}
	}
	if w, h := m.Viewport(); w != 500 || h != 1000 {
		t.Errorf("Viewport changed to %dx%d", w, h)
	}
}

func TestUseBeforeLayoutPanics(t *testing.T) {
	m, err := NewRegionModel(bytes.NewReader(nil), &fakeOpener{width: 10, height: 10}, DefaultConfig())
	if err != nil {
		t.Fatalf("NewRegionModel failed: %v", err)
	}
	mustPanic(t, "Scaled", func() { m.Scaled(1) })
	mustPanic(t, "ToImageX", func() { m.ToImageX(1) })
	mustPanic(t, "ScrollByUnscaled", func() { m.ScrollByUnscaled(1, 1) })
	mustPanic(t, "DecodeFrame", func() { m.DecodeFrame(m.State()) })
}

func TestClose(t *testing.T) {
	m, opener := newTestModel(t, 1000, 5000, 500, 1000)
	s := m.State()

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if n := opener.last().closed; n != 1 {
		t.Errorf("Expected decoder closed once, got %d", n)
	}
	if !m.Closed() {
		t.Error("Expected Closed() after Close")
	}

	if _, err := m.DecodeFrame(s); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from DecodeFrame, got %v", err)
	}
	if err := m.SetDisplayRect(500, 1000); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from SetDisplayRect, got %v", err)
	}
	mustPanic(t, "ScrollByUnscaled after Close", func() { m.ScrollByUnscaled(0, -10) })
}
