package regionview

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Default read-ahead buffer size (64KB) for sequential access optimization
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader is an io.ReadSeekCloser over a remote file, fetched with
// HTTP range requests. Sequential reads are served from a read-ahead buffer,
// which matters for IFD and header parsing.
type HTTPRangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64

	mu  sync.Mutex
	pos int64

	buffer        []byte
	bufferStart   int64 // file offset of buffer[0]
	readAheadSize int
}

// NewHTTPClient returns the client configuration used for remote sources.
func NewHTTPClient() *fasthttp.Client {
	return &fasthttp.Client{
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxIdleConnDuration:      time.Minute,
		NoDefaultUserAgentHeader: true,
	}
}

// NewHTTPRangeReader resolves the size of url and returns a reader over it.
// readAheadSize <= 0 selects the default.
func NewHTTPRangeReader(url string, client *fasthttp.Client, readAheadSize int) (*HTTPRangeReader, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	if readAheadSize <= 0 {
		readAheadSize = defaultReadAheadSize
	}
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		readAheadSize: readAheadSize,
	}

	size, err := rr.fetchSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get size of %s: %w", url, err)
	}
	rr.size = size
	return rr, nil
}

// fetchSize asks for the length with HEAD, falling back to a one-byte range
// GET for servers that do not report Content-Length on HEAD.
func (rr *HTTPRangeReader) fetchSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := rr.client.Do(req, resp); err == nil && resp.StatusCode() == fasthttp.StatusOK {
		if n := resp.Header.ContentLength(); n > 0 {
			return int64(n), nil
		}
	}

	req.Reset()
	resp.Reset()
	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetByteRange(0, 0)
	if err := rr.client.Do(req, resp); err != nil {
		return 0, err
	}
	if resp.StatusCode() != fasthttp.StatusPartialContent {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	return parseContentRangeSize(string(resp.Header.Peek(fasthttp.HeaderContentRange)))
}

// parseContentRangeSize extracts the total from "bytes 0-0/12345".
func parseContentRangeSize(v string) (int64, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, fmt.Errorf("no size in Content-Range %q", v)
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	return n, nil
}

// Read implements io.Reader.
func (rr *HTTPRangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.pos >= rr.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rr.pos+want > rr.size {
		want = rr.size - rr.pos
	}

	n := 0
	if rr.pos >= rr.bufferStart && rr.pos < rr.bufferStart+int64(len(rr.buffer)) {
		n = copy(p[:want], rr.buffer[rr.pos-rr.bufferStart:])
		rr.pos += int64(n)
		if int64(n) == want {
			return n, nil
		}
	}

	// Miss or partial hit: refill with at least the remainder.
	remaining := want - int64(n)
	fetch := max(int64(rr.readAheadSize), remaining)
	if rr.pos+fetch > rr.size {
		fetch = rr.size - rr.pos
	}
	data, err := rr.fetchRange(rr.pos, rr.pos+fetch-1)
	if err != nil {
		return n, err
	}
	if len(data) == 0 {
		return n, io.ErrUnexpectedEOF
	}
	rr.buffer = data
	rr.bufferStart = rr.pos

	m := copy(p[n:want], data)
	rr.pos += int64(m)
	return n + m, nil
}

// fetchRange fetches bytes [start, end] from the server.
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetByteRange(int(start), int(end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, err
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// Server ignored the range and sent the whole file.
		if int64(len(body)) <= start {
			return nil, nil
		}
		body = body[start:min(int64(len(body)), end+1)]
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	// Copy body since response will be released
	result := make([]byte, len(body))
	copy(result, body)
	return result, nil
}

// Seek implements io.Seeker. The read-ahead buffer survives seeks that land
// inside it.
func (rr *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}

	rr.pos = newPos
	return rr.pos, nil
}

// Close drops the read-ahead buffer. Idle connections belong to the client.
func (rr *HTTPRangeReader) Close() error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	return nil
}

// Size returns the remote file size.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}
