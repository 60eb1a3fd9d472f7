package regionview

import (
	"image"
	"testing"

	"github.com/paulmach/orb"
)

func TestPolygonFromBounds(t *testing.T) {
	poly := PolygonFromBounds(bound(1, 2, 5, 8))
	if len(poly) != 1 {
		t.Fatalf("Expected 1 ring, got %d", len(poly))
	}
	ring := poly[0]
	want := orb.Ring{{1, 2}, {5, 2}, {5, 8}, {1, 8}, {1, 2}}
	if !ring.Equal(want) {
		t.Errorf("Expected %v, got %v", want, ring)
	}
	if !ring.Closed() {
		t.Error("Expected closed ring")
	}

	if got := PolygonFromBounds(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{0, 0}}); len(got) != 0 {
		t.Errorf("Expected empty polygon for inverted bound, got %v", got)
	}
}

func TestRectFromBound(t *testing.T) {
	tests := []struct {
		name string
		in   orb.Bound
		want image.Rectangle
	}{
		{"integral", bound(0, 0, 10, 20), image.Rect(0, 0, 10, 20)},
		{"fractional covers", bound(0.5, 1.2, 9.1, 19.9), image.Rect(0, 1, 10, 20)},
		{"negative", bound(-2.5, -0.1, 3, 4), image.Rect(-3, -1, 3, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RectFromBound(tt.in); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			if back := BoundFromRect(tt.want); RectFromBound(back) != tt.want {
				t.Errorf("BoundFromRect round trip changed %v", tt.want)
			}
		})
	}
}

func TestClipToImage(t *testing.T) {
	tests := []struct {
		name string
		in   orb.Bound
		want image.Rectangle
	}{
		{"inside", bound(10, 10, 20, 20), image.Rect(10, 10, 20, 20)},
		{"zoomed out", bound(-50, 0, 150, 200), image.Rect(0, 0, 100, 200)},
		{"above top", bound(0, -30.5, 100, 60), image.Rect(0, 0, 100, 60)},
		{"outside", bound(200, 0, 300, 10), image.Rectangle{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clipToImage(tt.in, 100, 400)
			if got != tt.want && !(got.Empty() && tt.want.Empty()) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDisplayRect(t *testing.T) {
	region := bound(-50, 0, 150, 200)
	got := displayRect(region, bound(0, 0, 100, 200), 400, 400)
	if want := image.Rect(100, 0, 300, 400); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if got := displayRect(bound(0, 0, 0, 10), bound(0, 0, 1, 1), 10, 10); !got.Empty() {
		t.Errorf("Expected empty rect for degenerate region, got %v", got)
	}
}
