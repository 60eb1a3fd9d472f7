package regionview

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// StdOpener opens any format registered with the image package (PNG, JPEG,
// GIF, BMP, WebP). These formats have no random access, so the image is
// decoded once in full and kept in an LRU keyed by the content hash; reopening
// the same bytes skips the decode.
//
// Unlike TIFFDecoder, memory is not bounded by the region: every open image
// is held fully decoded, plus up to DecodedCacheSize cached images
// process-wide. Very large images should be served as tiled TIFF.
type StdOpener struct {
	Logger  *slog.Logger
	decoded *lru.Cache[uint64, image.Image]
}

// NewStdOpener returns an opener whose decoded-image cache holds
// cfg.DecodedCacheSize images.
func NewStdOpener(cfg Config) *StdOpener {
	cfg = cfg.withDefaults()
	cache, err := lru.New[uint64, image.Image](cfg.DecodedCacheSize)
	if err != nil {
		cache, _ = lru.New[uint64, image.Image](defaultDecodedCacheSize)
	}
	return &StdOpener{Logger: slog.Default(), decoded: cache}
}

// Probe reads only the image header.
func (o *StdOpener) Probe(r io.ReadSeeker) (int, int, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image bounds: %w", err)
	}
	o.Logger.Debug("probed image", "format", format, "width", cfg.Width, "height", cfg.Height)
	return cfg.Width, cfg.Height, nil
}

// Open decodes the whole image (or takes it from the cache). On success the
// source is no longer needed and is closed when it is an io.Closer; on
// failure it is left to the caller.
func (o *StdOpener) Open(r io.ReadSeeker) (RegionDecoder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	key := xxhash.Sum64(data)
	img, ok := o.decoded.Get(key)
	if ok {
		o.Logger.Debug("decoded image cache hit", "key", key)
	} else {
		var format string
		img, format, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		o.Logger.Debug("decoded image", "format", format, "bounds", img.Bounds(), "key", key)
		o.decoded.Add(key, img)
	}

	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
	return &stdDecoder{img: img}, nil
}

type stdDecoder struct {
	img image.Image
}

func (d *stdDecoder) DecodeRegion(rect image.Rectangle, sampleSize int) (image.Image, error) {
	b := d.img.Bounds()
	// Region coordinates are relative to the image origin.
	rect = rect.Add(b.Min).Intersect(b)
	if rect.Empty() {
		return nil, fmt.Errorf("region %v is outside the image", rect)
	}

	cropped := imaging.Crop(d.img, rect)
	if sampleSize <= 1 {
		return cropped, nil
	}
	w := max(1, rect.Dx()/sampleSize)
	h := max(1, rect.Dy()/sampleSize)
	return imaging.Resize(cropped, w, h, imaging.Box), nil
}

func (d *stdDecoder) Close() error {
	d.img = nil
	return nil
}

// EncodePNG serializes img so it can be bound like any other source.
func EncodePNG(img image.Image) (*bytes.Reader, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}
