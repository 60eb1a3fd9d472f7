package regionview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// maxBlockBytes bounds one tile or strip, compressed or decoded.
const maxBlockBytes = 64 << 20

// TIFFOpener opens tiled or stripped 8-bit TIFFs (including pyramidal files
// with reduced-resolution IFDs) as region decoders.
type TIFFOpener struct {
	cfg    Config
	Logger *slog.Logger
}

// NewTIFFOpener returns an opener using cfg's tile cache size.
func NewTIFFOpener(cfg Config) *TIFFOpener {
	return &TIFFOpener{cfg: cfg.withDefaults(), Logger: slog.Default()}
}

// Probe reads the IFD chain and returns the size of the first image.
func (o *TIFFOpener) Probe(r io.ReadSeeker) (int, int, error) {
	tr, err := NewTIFFReader(r)
	if err != nil {
		return 0, 0, err
	}
	ifd := tr.IFD(0)
	return ifd.UintOr(TagImageWidth, 0), ifd.UintOr(TagImageLength, 0), nil
}

// Open builds a TIFFDecoder on r. On success the decoder owns r.
func (o *TIFFOpener) Open(r io.ReadSeeker) (RegionDecoder, error) {
	return NewTIFFDecoder(r, o.cfg, o.Logger)
}

// tiffLevel is one resolution level: the full image or an overview. Strips are
// handled as tiles one image-width wide.
type tiffLevel struct {
	ifdIndex int
	ifd      *IFD

	width, height  int
	blockW, blockH int
	blocksAcross   int
	tiled          bool

	compression int
	predictor   int
	samples     int
	photometric int
	jpegTables  []byte

	// full-resolution pixels per level pixel
	factor float64

	offsets []uint32
	counts  []uint32
}

type blockKey struct {
	level int
	index int
}

// TIFFDecoder decodes regions of a TIFF by reading only the tiles or strips
// that intersect them, from the coarsest level that still satisfies the
// requested sample size.
type TIFFDecoder struct {
	mu     sync.Mutex // guards r and lazy offset loading
	r      io.ReadSeeker
	tr     *TIFFReader
	levels []*tiffLevel
	blocks *lru.Cache[blockKey, []byte]
	logger *slog.Logger
}

// NewTIFFDecoder parses r and prepares its resolution levels.
func NewTIFFDecoder(r io.ReadSeeker, cfg Config, logger *slog.Logger) (*TIFFDecoder, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := NewTIFFReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read TIFF: %w", err)
	}

	full, err := newTIFFLevel(tr, 0)
	if err != nil {
		return nil, err
	}
	full.factor = 1
	levels := []*tiffLevel{full}

	for i := 1; i < tr.IFDCount(); i++ {
		ifd := tr.IFD(i)
		subfile := ifd.UintOr(TagNewSubfileType, 0)
		if subfile&4 != 0 { // transparency mask
			continue
		}
		lvl, err := newTIFFLevel(tr, i)
		if err != nil {
			logger.Debug("skipping unsupported TIFF level", "ifd", i, "error", err)
			continue
		}
		if lvl.width >= full.width || lvl.samples != full.samples {
			continue
		}
		lvl.factor = float64(full.width) / float64(lvl.width)
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].factor < levels[j].factor })

	cache, err := lru.New[blockKey, []byte](cfg.TileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	logger.Debug("opened TIFF", "width", full.width, "height", full.height,
		"levels", len(levels), "tiled", full.tiled, "compression", full.compression)

	return &TIFFDecoder{r: r, tr: tr, levels: levels, blocks: cache, logger: logger}, nil
}

func newTIFFLevel(tr *TIFFReader, index int) (*tiffLevel, error) {
	ifd := tr.IFD(index)
	lvl := &tiffLevel{
		ifdIndex:    index,
		ifd:         ifd,
		width:       ifd.UintOr(TagImageWidth, 0),
		height:      ifd.UintOr(TagImageLength, 0),
		compression: ifd.UintOr(TagCompression, CompressionNone),
		predictor:   ifd.UintOr(TagPredictor, 1),
		samples:     ifd.UintOr(TagSamplesPerPixel, 1),
		photometric: ifd.UintOr(TagPhotometric, 1),
	}
	if lvl.width <= 0 || lvl.height <= 0 {
		return nil, fmt.Errorf("IFD %d has no dimensions", index)
	}
	if lvl.samples < 1 || lvl.samples > 4 {
		return nil, fmt.Errorf("unsupported samples per pixel: %d", lvl.samples)
	}
	if tag, ok := ifd.Tags[TagBitsPerSample]; ok {
		for _, bits := range tag.Ints {
			if bits != 8 {
				return nil, fmt.Errorf("unsupported bits per sample: %d", bits)
			}
		}
	}
	if ifd.UintOr(TagPlanarConfig, 1) != 1 {
		return nil, fmt.Errorf("planar TIFF layout is not supported")
	}
	if lvl.photometric == 3 {
		return nil, fmt.Errorf("palette TIFFs are not supported")
	}
	if tag, ok := ifd.Tags[TagJPEGTables]; ok {
		lvl.jpegTables = tag.Raw
	}

	if _, ok := ifd.Tags[TagTileOffsets]; ok {
		lvl.tiled = true
		lvl.blockW = ifd.UintOr(TagTileWidth, 256)
		lvl.blockH = ifd.UintOr(TagTileLength, 256)
		lvl.blocksAcross = (lvl.width + lvl.blockW - 1) / lvl.blockW
	} else if _, ok := ifd.Tags[TagStripOffsets]; ok {
		lvl.blockW = lvl.width
		lvl.blockH = ifd.UintOr(TagRowsPerStrip, lvl.height)
		if lvl.blockH <= 0 || lvl.blockH > lvl.height {
			lvl.blockH = lvl.height
		}
		lvl.blocksAcross = 1
	} else {
		return nil, fmt.Errorf("image is neither tiled nor stripped")
	}
	if lvl.blockW <= 0 || lvl.blockH <= 0 {
		return nil, fmt.Errorf("invalid block size %dx%d", lvl.blockW, lvl.blockH)
	}
	if n := int64(lvl.blockW) * int64(lvl.blockH) * int64(lvl.samples); n > maxBlockBytes {
		return nil, fmt.Errorf("block of %dx%d pixels is too large", lvl.blockW, lvl.blockH)
	}

	return lvl, nil
}

// Levels returns the size of every resolution level, finest first.
func (d *TIFFDecoder) Levels() []image.Point {
	out := make([]image.Point, len(d.levels))
	for i, lvl := range d.levels {
		out[i] = image.Pt(lvl.width, lvl.height)
	}
	return out
}

// selectLevel picks the coarsest level whose downscale does not exceed the
// requested sample size.
func (d *TIFFDecoder) selectLevel(sampleSize int) *tiffLevel {
	best := d.levels[0]
	for _, lvl := range d.levels[1:] {
		if lvl.factor <= float64(sampleSize)+1e-9 {
			best = lvl
		}
	}
	return best
}

// DecodeRegion implements RegionDecoder.
func (d *TIFFDecoder) DecodeRegion(rect image.Rectangle, sampleSize int) (image.Image, error) {
	if sampleSize < 1 {
		sampleSize = 1
	}
	full := d.levels[0]
	rect = rect.Intersect(image.Rect(0, 0, full.width, full.height))
	if rect.Empty() {
		return nil, fmt.Errorf("region %v is outside the image", rect)
	}

	lvl := d.selectLevel(sampleSize)
	lr := image.Rect(
		int(math.Floor(float64(rect.Min.X)/lvl.factor)),
		int(math.Floor(float64(rect.Min.Y)/lvl.factor)),
		int(math.Ceil(float64(rect.Max.X)/lvl.factor)),
		int(math.Ceil(float64(rect.Max.Y)/lvl.factor)),
	).Intersect(image.Rect(0, 0, lvl.width, lvl.height))
	if lr.Empty() {
		return nil, fmt.Errorf("region %v vanishes at level %d", rect, lvl.ifdIndex)
	}

	pix, err := d.readRegion(lvl, lr)
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel region: %w", err)
	}
	img := samplesToImage(pix, lr.Dx(), lr.Dy(), lvl.samples, lvl.photometric)

	// Finish the downsample the chosen level did not cover.
	if rem := float64(sampleSize) / lvl.factor; rem > 1.01 {
		w := max(1, int(math.Round(float64(lr.Dx())/rem)))
		h := max(1, int(math.Round(float64(lr.Dy())/rem)))
		return imaging.Resize(img, w, h, imaging.Box), nil
	}
	return img, nil
}

// blockWork is one tile or strip needed by a region read.
type blockWork struct {
	index      int
	bx, by     int
	rows       int
	compressed []byte
	data       []byte
	err        error
}

// readRegion returns the pixels of r (level coordinates), samples interleaved.
func (d *TIFFDecoder) readRegion(lvl *tiffLevel, r image.Rectangle) ([]byte, error) {
	work, err := d.fetchBlocks(lvl, r)
	if err != nil {
		return nil, err
	}

	// Decompress missing blocks in parallel (CPU bound).
	var pending []*blockWork
	for _, w := range work {
		if w.data == nil {
			pending = append(pending, w)
		}
	}
	if len(pending) > 0 {
		numWorkers := min(runtime.NumCPU(), len(pending))
		var wg sync.WaitGroup
		workChan := make(chan *blockWork, len(pending))
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for w := range workChan {
					w.data, w.err = decompressBlock(w.compressed, lvl, w.rows)
					PutBuffer(w.compressed)
					w.compressed = nil
				}
			}()
		}
		for _, w := range pending {
			workChan <- w
		}
		close(workChan)
		wg.Wait()
	}

	bpp := lvl.samples
	output := make([]byte, r.Dx()*r.Dy()*bpp)
	for _, w := range work {
		if w.err != nil {
			return nil, fmt.Errorf("failed to decompress block %d: %w", w.index, w.err)
		}
		d.blocks.Add(blockKey{level: lvl.ifdIndex, index: w.index}, w.data)
		copyBlockToOutput(w, lvl, output, r, bpp)
	}
	return output, nil
}

// fetchBlocks collects the blocks intersecting r, taking decoded ones from
// the cache and reading the compressed bytes of the rest (I/O bound, serial).
func (d *TIFFDecoder) fetchBlocks(lvl *tiffLevel, r image.Rectangle) ([]*blockWork, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.loadOffsets(lvl); err != nil {
		return nil, err
	}

	startX, endX := r.Min.X/lvl.blockW, (r.Max.X-1)/lvl.blockW
	startY, endY := r.Min.Y/lvl.blockH, (r.Max.Y-1)/lvl.blockH

	var work []*blockWork
	hits := 0
	for by := startY; by <= endY; by++ {
		for bx := startX; bx <= endX; bx++ {
			index := by*lvl.blocksAcross + bx
			if index >= len(lvl.offsets) || index >= len(lvl.counts) {
				continue
			}
			w := &blockWork{index: index, bx: bx, by: by, rows: lvl.blockH}
			if !lvl.tiled {
				w.rows = min(lvl.blockH, lvl.height-by*lvl.blockH)
			}
			if data, ok := d.blocks.Get(blockKey{level: lvl.ifdIndex, index: index}); ok {
				w.data = data
				hits++
				work = append(work, w)
				continue
			}

			offset, size := int64(lvl.offsets[index]), int64(lvl.counts[index])
			if size > maxBlockBytes || offset+size > d.tr.Size() {
				releaseCompressed(work)
				return nil, fmt.Errorf("block %d of %d bytes at offset %d exceeds the file", index, size, offset)
			}
			w.compressed = GetBuffer(int(size))
			if _, err := d.r.Seek(offset, io.SeekStart); err != nil {
				releaseCompressed(append(work, w))
				return nil, fmt.Errorf("failed to seek to block: %w", err)
			}
			if _, err := io.ReadFull(d.r, w.compressed); err != nil {
				releaseCompressed(append(work, w))
				return nil, fmt.Errorf("failed to read block: %w", err)
			}
			work = append(work, w)
		}
	}

	d.logger.Debug("TIFF region blocks", "level", lvl.ifdIndex, "blocks", len(work), "cached", hits)
	return work, nil
}

func releaseCompressed(work []*blockWork) {
	for _, w := range work {
		if w.compressed != nil {
			PutBuffer(w.compressed)
			w.compressed = nil
		}
	}
}

func (d *TIFFDecoder) loadOffsets(lvl *tiffLevel) error {
	if lvl.offsets != nil {
		return nil
	}
	offsetTag, countTag := uint16(TagStripOffsets), uint16(TagStripByteCounts)
	if lvl.tiled {
		offsetTag, countTag = TagTileOffsets, TagTileByteCounts
	}
	for _, id := range []uint16{offsetTag, countTag} {
		if err := d.tr.ReadTagValue(lvl.ifd, id); err != nil {
			return fmt.Errorf("failed to read block offsets: %w", err)
		}
	}
	lvl.offsets = lvl.ifd.Tags[offsetTag].Ints
	lvl.counts = lvl.ifd.Tags[countTag].Ints
	return nil
}

// copyBlockToOutput copies the part of a decoded block that intersects r.
func copyBlockToOutput(w *blockWork, lvl *tiffLevel, output []byte, r image.Rectangle, bpp int) {
	block := image.Rect(w.bx*lvl.blockW, w.by*lvl.blockH, w.bx*lvl.blockW+lvl.blockW, w.by*lvl.blockH+w.rows)
	overlap := block.Intersect(r)
	if overlap.Empty() {
		return
	}

	rowBytes := overlap.Dx() * bpp
	for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
		src := ((y-block.Min.Y)*lvl.blockW + (overlap.Min.X - block.Min.X)) * bpp
		dst := ((y-r.Min.Y)*r.Dx() + (overlap.Min.X - r.Min.X)) * bpp
		if src+rowBytes > len(w.data) || dst+rowBytes > len(output) {
			break
		}
		copy(output[dst:dst+rowBytes], w.data[src:src+rowBytes])
	}
}

// decompressBlock returns exactly blockW*rows*samples bytes.
func decompressBlock(data []byte, lvl *tiffLevel, rows int) ([]byte, error) {
	expected := lvl.blockW * rows * lvl.samples
	if expected <= 0 || expected > maxBlockBytes {
		return nil, fmt.Errorf("invalid block size: %d bytes", expected)
	}

	var out []byte
	var err error
	switch lvl.compression {
	case CompressionNone:
		out = make([]byte, len(data))
		copy(out, data)

	case CompressionLZW:
		// TIFF LZW is MSB first; some old writers used LSB.
		out, err = readAllLZW(data, lzw.MSB, expected)
		if err != nil {
			out, err = readAllLZW(data, lzw.LSB, expected)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decompress LZW block (size %d): %w", len(data), err)
		}

	case CompressionDeflate, CompressionAdobeFlate:
		zr, zerr := zlib.NewReader(bytes.NewReader(data))
		if zerr != nil {
			return nil, fmt.Errorf("failed to open Deflate block: %w", zerr)
		}
		out, err = io.ReadAll(io.LimitReader(zr, int64(expected)))
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decompress Deflate block: %w", err)
		}

	case CompressionPackBits:
		out, err = unpackBits(data, expected)
		if err != nil {
			return nil, err
		}

	case CompressionJPEG:
		return decodeJPEGBlock(data, lvl, rows)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", lvl.compression)
	}

	if len(out) < expected {
		return nil, fmt.Errorf("block too short: got %d bytes, expected %d", len(out), expected)
	}
	out = out[:expected]

	if lvl.predictor == 2 {
		undoHorizontalPredictor(out, lvl.blockW, lvl.samples)
	}
	return out, nil
}

func readAllLZW(data []byte, order lzw.Order, expected int) ([]byte, error) {
	r := lzw.NewReader(bytes.NewReader(data), order, 8)
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(expected)))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return out, nil
}

// unpackBits expands Apple PackBits run-length data.
func unpackBits(data []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for i := 0; i < len(data) && len(out) < expected; {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("truncated PackBits literal run")
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(data) {
				return nil, fmt.Errorf("truncated PackBits repeat run")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, data[i])
			}
			i++
		}
	}
	return out, nil
}

func undoHorizontalPredictor(buf []byte, width, samples int) {
	stride := width * samples
	for row := 0; row+stride <= len(buf); row += stride {
		line := buf[row : row+stride]
		for i := samples; i < len(line); i++ {
			line[i] += line[i-samples]
		}
	}
}

// decodeJPEGBlock decodes a JPEG-compressed block, splicing in the shared
// JPEGTables when the file has them.
func decodeJPEGBlock(data []byte, lvl *tiffLevel, rows int) ([]byte, error) {
	stream := data
	if n := len(lvl.jpegTables); n > 4 && len(data) > 2 {
		// tables is SOI ... EOI, block is SOI ...; drop the inner EOI and SOI.
		stream = make([]byte, 0, n-2+len(data)-2)
		stream = append(stream, lvl.jpegTables[:n-2]...)
		stream = append(stream, data[2:]...)
	}

	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG block: %w", err)
	}

	out := make([]byte, lvl.blockW*rows*lvl.samples)
	b := img.Bounds()
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < lvl.blockW && x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			o := (y*lvl.blockW + x) * lvl.samples
			switch lvl.samples {
			case 1, 2:
				out[o] = uint8(r >> 8)
			default:
				out[o] = uint8(r >> 8)
				out[o+1] = uint8(g >> 8)
				out[o+2] = uint8(bl >> 8)
			}
			if lvl.samples == 2 || lvl.samples == 4 {
				out[o+lvl.samples-1] = 0xff
			}
		}
	}
	return out, nil
}

// samplesToImage wraps interleaved 8-bit samples in an image.Image.
func samplesToImage(pix []byte, w, h, samples, photometric int) image.Image {
	if samples == 1 {
		g := &image.Gray{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}
		if photometric == 0 {
			for i := range g.Pix {
				g.Pix[i] = 0xff - g.Pix[i]
			}
		}
		return g
	}

	if samples == 4 {
		return &image.NRGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, o := 0, 0; i+samples <= len(pix); i, o = i+samples, o+4 {
		switch samples {
		case 2:
			v := pix[i]
			if photometric == 0 {
				v = 0xff - v
			}
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = v, v, v, pix[i+1]
		default:
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = pix[i], pix[i+1], pix[i+2]
			img.Pix[o+3] = 0xff
			if samples == 4 {
				img.Pix[o+3] = pix[i+3]
			}
		}
	}
	return img
}

// Close drops the tile cache and closes the source when it is closable.
func (d *TIFFDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.blocks.Purge()
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
