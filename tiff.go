package regionview

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42

	// maxIFDs bounds the IFD chain so a cyclic file cannot loop forever.
	maxIFDs = 64

	// maxTagBytes bounds a single out-of-line tag value.
	maxTagBytes = 16 << 20
)

// Compression types
const (
	CompressionNone       = 1
	CompressionLZW        = 5
	CompressionJPEG       = 6
	CompressionDeflate    = 8
	CompressionPackBits   = 32773
	CompressionAdobeFlate = 32946
)

// Tag IDs used by the region decoder.
const (
	TagNewSubfileType  = 254
	TagImageWidth      = 256
	TagImageLength     = 257
	TagBitsPerSample   = 258
	TagCompression     = 259
	TagPhotometric     = 262
	TagStripOffsets    = 273
	TagSamplesPerPixel = 277
	TagRowsPerStrip    = 278
	TagStripByteCounts = 279
	TagPlanarConfig    = 284
	TagPredictor       = 317
	TagTileWidth       = 322
	TagTileLength      = 323
	TagTileOffsets     = 324
	TagTileByteCounts  = 325
	TagExtraSamples    = 338
	TagJPEGTables      = 347
)

// DataType is the TIFF field type of a tag.
type DataType uint16

const (
	DTByte      DataType = 1
	DTASCII     DataType = 2
	DTShort     DataType = 3
	DTLong      DataType = 4
	DTRational  DataType = 5
	DTSByte     DataType = 6
	DTUndefined DataType = 7
	DTSShort    DataType = 8
	DTSLong     DataType = 9
	DTSRational DataType = 10
	DTFloat     DataType = 11
	DTDouble    DataType = 12
)

func (t DataType) size() uint32 {
	switch t {
	case DTShort, DTSShort:
		return 2
	case DTLong, DTSLong, DTFloat:
		return 4
	case DTRational, DTSRational, DTDouble:
		return 8
	default:
		return 1
	}
}

// Tag is one IFD entry. Integer values (BYTE, SHORT, LONG and their signed
// forms) decode to Ints; ASCII to Text; UNDEFINED to Raw. Other types keep
// only their raw bytes.
type Tag struct {
	ID     uint16
	Type   DataType
	Count  uint32
	Offset uint32 // value offset, or the inline value bytes

	Ints   []uint32
	Text   string
	Raw    []byte
	loaded bool
}

// byteSize is the size of the tag's value. It is computed in 64 bits since
// Count comes straight from the file.
func (t *Tag) byteSize() uint64 {
	return uint64(t.Type.size()) * uint64(t.Count)
}

// IFD represents an Image File Directory.
type IFD struct {
	Tags    map[uint16]*Tag
	NextIFD uint32
}

// Uint returns the first integer value of a tag.
func (ifd *IFD) Uint(id uint16) (int, bool) {
	tag, ok := ifd.Tags[id]
	if !ok || !tag.loaded || len(tag.Ints) == 0 {
		return 0, false
	}
	return int(tag.Ints[0]), true
}

// UintOr returns the first integer value of a tag or def when absent.
func (ifd *IFD) UintOr(id uint16, def int) int {
	if v, ok := ifd.Uint(id); ok {
		return v
	}
	return def
}

// TIFFReader parses the IFD chain of a TIFF file. Large offset arrays are
// loaded lazily with ReadTagValue.
type TIFFReader struct {
	r         io.ReadSeeker
	size      int64
	byteOrder binary.ByteOrder
	ifds      []*IFD
}

func isTIFFMagic(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	switch {
	case b[0] == 'I' && b[1] == 'I':
		return binary.LittleEndian.Uint16(b[2:4]) == tiffVersion
	case b[0] == 'M' && b[1] == 'M':
		return binary.BigEndian.Uint16(b[2:4]) == tiffVersion
	}
	return false
}

// NewTIFFReader reads the header and every IFD of r.
func NewTIFFReader(r io.ReadSeeker) (*TIFFReader, error) {
	tr := &TIFFReader{r: r}

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to find TIFF size: %w", err)
	}
	tr.size = size
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to TIFF header: %w", err)
	}
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}

	if version := tr.byteOrder.Uint16(header[2:4]); version != tiffVersion {
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}

	offset := tr.byteOrder.Uint32(header[4:8])
	for offset != 0 {
		if len(tr.ifds) == maxIFDs {
			return nil, fmt.Errorf("too many IFDs (limit %d)", maxIFDs)
		}
		ifd, err := tr.readIFD(offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(tr.ifds), err)
		}
		tr.ifds = append(tr.ifds, ifd)
		offset = ifd.NextIFD
	}
	if len(tr.ifds) == 0 {
		return nil, fmt.Errorf("TIFF has no IFDs")
	}

	return tr, nil
}

// readIFD reads the entry table in one go, then resolves every small value.
func (tr *TIFFReader) readIFD(offset uint32) (*IFD, error) {
	if _, err := tr.r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to IFD: %w", err)
	}

	var count [2]byte
	if _, err := io.ReadFull(tr.r, count[:]); err != nil {
		return nil, fmt.Errorf("failed to read tag count: %w", err)
	}
	tagCount := int(tr.byteOrder.Uint16(count[:]))

	// tag entries (12 bytes each) + next IFD offset
	buf := make([]byte, tagCount*12+4)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read IFD structure: %w", err)
	}

	ifd := &IFD{Tags: make(map[uint16]*Tag, tagCount)}
	for i := 0; i < tagCount; i++ {
		e := buf[i*12 : i*12+12]
		tag := &Tag{
			ID:     tr.byteOrder.Uint16(e[0:2]),
			Type:   DataType(tr.byteOrder.Uint16(e[2:4])),
			Count:  tr.byteOrder.Uint32(e[4:8]),
			Offset: tr.byteOrder.Uint32(e[8:12]),
		}
		ifd.Tags[tag.ID] = tag
	}
	ifd.NextIFD = tr.byteOrder.Uint32(buf[tagCount*12:])

	for _, tag := range ifd.Tags {
		// Offset arrays can hold thousands of entries; load them on demand.
		if isOffsetArray(tag.ID) && tag.byteSize() > 4 {
			continue
		}
		if err := tr.loadTag(tag); err != nil {
			return nil, fmt.Errorf("failed to read tag %d: %w", tag.ID, err)
		}
	}

	return ifd, nil
}

func isOffsetArray(id uint16) bool {
	switch id {
	case TagStripOffsets, TagStripByteCounts, TagTileOffsets, TagTileByteCounts:
		return true
	}
	return false
}

// ReadTagValue loads a lazily skipped tag.
func (tr *TIFFReader) ReadTagValue(ifd *IFD, id uint16) error {
	tag, ok := ifd.Tags[id]
	if !ok {
		return fmt.Errorf("tag %d not found", id)
	}
	if tag.loaded {
		return nil
	}
	return tr.loadTag(tag)
}

func (tr *TIFFReader) loadTag(tag *Tag) error {
	size := tag.byteSize()

	var raw []byte
	if size <= 4 {
		// Inline values are left-justified in the offset field, in file order.
		raw = make([]byte, 4)
		tr.byteOrder.PutUint32(raw, tag.Offset)
		raw = raw[:size]
	} else {
		if size > maxTagBytes || int64(tag.Offset)+int64(size) > tr.size {
			return fmt.Errorf("tag %d value of %d bytes at offset %d exceeds the file (%d bytes)",
				tag.ID, size, tag.Offset, tr.size)
		}
		raw = make([]byte, size)
		if _, err := tr.r.Seek(int64(tag.Offset), io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to tag value: %w", err)
		}
		if _, err := io.ReadFull(tr.r, raw); err != nil {
			return fmt.Errorf("failed to read tag value: %w", err)
		}
	}

	switch tag.Type {
	case DTByte, DTSByte:
		tag.Ints = make([]uint32, len(raw))
		for i, b := range raw {
			tag.Ints[i] = uint32(b)
		}
		tag.Raw = raw
	case DTShort, DTSShort:
		tag.Ints = make([]uint32, len(raw)/2)
		for i := range tag.Ints {
			tag.Ints[i] = uint32(tr.byteOrder.Uint16(raw[i*2:]))
		}
	case DTLong, DTSLong:
		tag.Ints = make([]uint32, len(raw)/4)
		for i := range tag.Ints {
			tag.Ints[i] = tr.byteOrder.Uint32(raw[i*4:])
		}
	case DTASCII:
		if n := len(raw); n > 0 && raw[n-1] == 0 {
			raw = raw[:n-1]
		}
		tag.Text = string(raw)
	default:
		tag.Raw = raw
	}
	tag.loaded = true
	return nil
}

// Size returns the length of the underlying file.
func (tr *TIFFReader) Size() int64 {
	return tr.size
}

// IFD returns the IFD at index (0 = full resolution image).
func (tr *TIFFReader) IFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs (main image + overviews + masks).
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}

// ByteOrder of the file.
func (tr *TIFFReader) ByteOrder() binary.ByteOrder {
	return tr.byteOrder
}
