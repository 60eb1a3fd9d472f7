package regionview

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// PolygonFromBounds creates a closed polygon from a bounding box, starting at
// the top-left corner in image space.
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]}, // Top-left
		{bound.Max[0], bound.Min[1]}, // Top-right
		{bound.Max[0], bound.Max[1]}, // Bottom-right
		{bound.Min[0], bound.Max[1]}, // Bottom-left
		{bound.Min[0], bound.Min[1]}, // Close ring
	}

	return orb.Polygon{ring}
}

// BoundFromRect converts an integer pixel rectangle to a float bound.
func BoundFromRect(r image.Rectangle) orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(r.Min.X), float64(r.Min.Y)},
		Max: orb.Point{float64(r.Max.X), float64(r.Max.Y)},
	}
}

// RectFromBound converts a float bound to the smallest integer rectangle
// covering it.
func RectFromBound(b orb.Bound) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.Min[0])),
		int(math.Floor(b.Min[1])),
		int(math.Ceil(b.Max[0])),
		int(math.Ceil(b.Max[1])),
	)
}

// clipToImage covers b with whole pixels and intersects it with the image.
func clipToImage(b orb.Bound, width, height int) image.Rectangle {
	return RectFromBound(b).Intersect(image.Rect(0, 0, width, height))
}

// displayRect maps an image-space bound into display pixels for a region
// stretched over a viewport of vw x vh.
func displayRect(region orb.Bound, b orb.Bound, vw, vh int) image.Rectangle {
	rw := region.Max[0] - region.Min[0]
	rh := region.Max[1] - region.Min[1]
	if rw <= 0 || rh <= 0 {
		return image.Rectangle{}
	}
	sx := float64(vw) / rw
	sy := float64(vh) / rh
	return image.Rect(
		int(math.Round((b.Min[0]-region.Min[0])*sx)),
		int(math.Round((b.Min[1]-region.Min[1])*sy)),
		int(math.Round((b.Max[0]-region.Min[0])*sx)),
		int(math.Round((b.Max[1]-region.Min[1])*sy)),
	)
}
