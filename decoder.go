package regionview

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
)

// Sentinel errors returned by the region model and the viewport controller.
var (
	// ErrDecode is matched (via errors.Is) by every *DecodeError.
	ErrDecode = errors.New("regionview: decode failed")

	// ErrDecodeFrame wraps a failure to decode a single frame. It is never fatal.
	ErrDecodeFrame = errors.New("regionview: frame decode failed")

	// ErrClosed is returned when a released model or decoder is used.
	ErrClosed = errors.New("regionview: decoder closed")

	// ErrInvalidViewport is returned for non-positive viewport sizes.
	ErrInvalidViewport = errors.New("regionview: invalid viewport size")

	// ErrNoImage is returned by controller operations that need a bound image.
	ErrNoImage = errors.New("regionview: no image bound")
)

// DecodeError reports a failure to probe or open an image source.
type DecodeError struct {
	Op  string // "probe", "rewind" or "open"
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("regionview: %s image: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// RegionDecoder decodes rectangular sub-regions of a single image.
// rect is in full-resolution image pixels and has already been clipped to the
// image bounds. sampleSize >= 1 is the requested downsample factor; the
// returned image should be roughly rect.Dx()/sampleSize pixels wide but
// callers never rely on the exact size.
type RegionDecoder interface {
	DecodeRegion(rect image.Rectangle, sampleSize int) (image.Image, error)
	Close() error
}

// DecoderOpener probes and opens region decoders for a byte source.
type DecoderOpener interface {
	// Probe reports the full image size without decoding pixels.
	Probe(r io.ReadSeeker) (width, height int, err error)
	// Open returns a decoder bound to r. The caller rewinds r first.
	Open(r io.ReadSeeker) (RegionDecoder, error)
}

// decoderHandle serializes close against in-flight decodes. Decodes hold the
// read lock so several may run at once; Close takes the write lock and
// releases the underlying decoder exactly once.
type decoderHandle struct {
	mu     sync.RWMutex
	dec    RegionDecoder
	closed bool
}

func newDecoderHandle(dec RegionDecoder) *decoderHandle {
	return &decoderHandle{dec: dec}
}

func (h *decoderHandle) decode(rect image.Rectangle, sampleSize int) (image.Image, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}
	return h.dec.DecodeRegion(rect, sampleSize)
}

func (h *decoderHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	return h.dec.Close()
}

func (h *decoderHandle) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// AutoOpener picks a decoder by sniffing the first bytes of the source: TIFF
// sources get the tiled region decoder, everything else the standard one.
// Both openers are long-lived so their caches survive image swaps.
type AutoOpener struct {
	TIFF *TIFFOpener
	Std  *StdOpener
}

// NewAutoOpener returns an AutoOpener configured from cfg.
func NewAutoOpener(cfg Config) *AutoOpener {
	return &AutoOpener{TIFF: NewTIFFOpener(cfg), Std: NewStdOpener(cfg)}
}

// SetLogger points both openers at logger.
func (a *AutoOpener) SetLogger(logger *slog.Logger) {
	a.TIFF.Logger = logger
	a.Std.Logger = logger
}

func (a *AutoOpener) Probe(r io.ReadSeeker) (int, int, error) {
	o, err := a.pick(r)
	if err != nil {
		return 0, 0, err
	}
	return o.Probe(r)
}

func (a *AutoOpener) Open(r io.ReadSeeker) (RegionDecoder, error) {
	o, err := a.pick(r)
	if err != nil {
		return nil, err
	}
	return o.Open(r)
}

// pick sniffs r and rewinds it.
func (a *AutoOpener) pick(r io.ReadSeeker) (DecoderOpener, error) {
	var magic [4]byte
	n, err := io.ReadFull(r, magic[:])
	if _, serr := r.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 4 && isTIFFMagic(magic[:]) {
		return a.TIFF, nil
	}
	return a.Std, nil
}
