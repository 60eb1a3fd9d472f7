package regionview

import (
	"image"
	"image/color"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"
)

var (
	backgroundColor    = color.RGBA{0, 0, 0, 0xff}
	debugRegionColor   = color.RGBA{0xde, 0xde, 0xde, 0xff}
	debugViewportColor = color.RGBA{0x00, 0xbc, 0xd5, 0xff}
)

const debugStrokeWidth = 4

// Compose paints frame into a new vw x vh image. Parts of the viewport the
// frame does not cover (zoomed out, or off the image edge) stay background.
// A nil frame yields a blank viewport. With debug set the decoded area and
// the viewport edges are outlined.
func Compose(frame *Frame, vw, vh int, debug bool) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, vw, vh))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)

	if frame != nil && frame.Image != nil {
		dr := displayRect(frame.State.Rect, BoundFromRect(frame.Source), vw, vh)
		if !dr.Empty() {
			draw.ApproxBiLinear.Scale(dst, dr, frame.Image, frame.Image.Bounds(), draw.Over, nil)
		}
		if debug {
			strokeRing(dst, displayRing(frame.State.Rect, BoundFromRect(frame.Source), vw, vh), debugRegionColor)
		}
	}

	if debug {
		view := orb.Bound{Max: orb.Point{float64(vw), float64(vh)}}
		strokeRing(dst, PolygonFromBounds(view)[0], debugViewportColor)
	}
	return dst
}

// displayRing outlines b, an image-space bound, in display coordinates.
func displayRing(region, b orb.Bound, vw, vh int) orb.Ring {
	r := displayRect(region, b, vw, vh)
	poly := PolygonFromBounds(BoundFromRect(r))
	if len(poly) == 0 {
		return nil
	}
	return poly[0]
}

// strokeRing draws the axis-aligned edges of ring with debugStrokeWidth.
func strokeRing(dst draw.Image, ring orb.Ring, c color.Color) {
	src := &image.Uniform{C: c}
	half := debugStrokeWidth / 2
	for i := 1; i < len(ring); i++ {
		a, b := ring[i-1], ring[i]
		r := image.Rect(
			int(math.Min(a[0], b[0]))-half,
			int(math.Min(a[1], b[1]))-half,
			int(math.Max(a[0], b[0]))+half,
			int(math.Max(a[1], b[1]))+half,
		).Intersect(dst.Bounds())
		draw.Draw(dst, r, src, image.Point{}, draw.Over)
	}
}
