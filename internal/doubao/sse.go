package doubao

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	readChunkSize     = 4 << 10
	defaultMaxPending = 8 << 20

	// EventImplicit names frames that carry data without an event line.
	EventImplicit = "implicit_message"

	gatewayErrorTag = "event: gateway-error"
)

// Frame is one SSE event as it appeared on the wire.
type Frame struct {
	Event string
	Data  string
}

// IsDone reports whether the frame is the [DONE] sentinel.
func (f Frame) IsDone() bool { return strings.TrimSpace(f.Data) == "[DONE]" }

// Decoder splits an upstream event stream into frames. Before any frame is
// cut from the buffer, the raw pending bytes are scanned for the quota and
// gateway-error markers so those fail the stream even when they arrive in a
// shape the frame parser would skip.
type Decoder struct {
	r          io.Reader
	buf        []byte
	chunk      []byte
	eof        bool
	maxPending int

	// scanned is the length of buf already searched for markers; tag is the
	// offset of a gateway-error tag whose data line has not arrived yet.
	scanned int
	tag     int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:          r,
		chunk:      make([]byte, readChunkSize),
		maxPending: defaultMaxPending,
		tag:        -1,
	}
}

// Next returns the next non-empty frame. It returns io.EOF once the stream is
// drained, a *QuotaExceededError or *UpstreamError when a hard-fail marker is
// seen, or the underlying read error.
func (d *Decoder) Next() (Frame, error) {
	for {
		if err := d.scanMarkers(); err != nil {
			return Frame{}, err
		}

		if i := bytes.Index(d.buf, []byte("\n\n")); i >= 0 {
			raw := d.buf[:i]
			d.consume(i + 2)
			if f, ok := parseFrame(raw); ok {
				return f, nil
			}
			continue
		}

		if d.eof {
			raw := d.buf
			d.consume(len(d.buf))
			if f, ok := parseFrame(raw); ok {
				return f, nil
			}
			return Frame{}, io.EOF
		}

		if err := d.fill(); err != nil {
			return Frame{}, err
		}
	}
}

func (d *Decoder) fill() error {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		old := len(d.buf)
		d.buf = append(d.buf, d.chunk[:n]...)
		// Only the new bytes and a CR held back by the last read can form CRLF.
		from := max(old-1, 0)
		if bytes.IndexByte(d.buf[from:], '\r') >= 0 {
			d.buf = d.buf[:from+len(normalizeNewlines(d.buf[from:]))]
			d.scanned = min(d.scanned, len(d.buf))
		}
		if len(d.buf) > d.maxPending {
			return ErrFrameTooLarge
		}
	}
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	return err
}

// consume drops the first n bytes of the buffer and shifts the scan offsets.
func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	d.scanned = max(d.scanned-n, 0)
	if d.tag >= 0 {
		d.tag = max(d.tag-n, 0)
	}
}

// normalizeNewlines rewrites CRLF to LF in place. A trailing lone CR is kept
// until the next read tells whether an LF follows.
func normalizeNewlines(b []byte) []byte {
	out := b[:0]
	for i := 0; i < len(b); i++ {
		if b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' {
			continue
		}
		out = append(out, b[i])
	}
	return out
}

const markerOverlap = max(len(quotaMarker), len(gatewayErrorTag)) - 1

// scanMarkers searches the bytes read since the last call, overlapping the
// previous window so a marker split across reads is still found.
func (d *Decoder) scanMarkers() error {
	if d.scanned < len(d.buf) {
		from := max(d.scanned-markerOverlap, 0)
		win := d.buf[from:]
		if bytes.Contains(win, []byte(quotaMarker)) {
			return &QuotaExceededError{}
		}
		if d.tag < 0 {
			if i := bytes.Index(win, []byte(gatewayErrorTag)); i >= 0 {
				d.tag = from + i
			}
		}
		d.scanned = len(d.buf)
	}
	if d.tag < 0 {
		return nil
	}
	return d.gatewayError()
}

// gatewayError builds the error for the frame holding the gateway-error tag.
// It returns nil while the frame's data line is still incomplete.
func (d *Decoder) gatewayError() error {
	frame := d.buf[d.tag:]
	complete := d.eof
	if end := bytes.Index(frame, []byte("\n\n")); end >= 0 {
		frame, complete = frame[:end], true
	}
	di := bytes.Index(frame, []byte("data:"))
	if di < 0 {
		if complete {
			return &UpstreamError{Message: "gateway error: " + strings.TrimSpace(string(frame))}
		}
		return nil
	}
	line := frame[di+len("data:"):]
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	} else if !complete {
		return nil
	}
	payload := bytes.TrimSpace(line)
	if !gjson.ValidBytes(payload) {
		return &UpstreamError{Message: "gateway error: " + strings.TrimSpace(string(frame))}
	}
	res := gjson.ParseBytes(payload)
	return &UpstreamError{
		Code:    int(res.Get("code").Int()),
		Message: "gateway error: " + res.Get("message").String(),
	}
}

// parseFrame reads the event and data lines of one raw frame. Frames with
// neither are reported as not ok.
func parseFrame(raw []byte) (Frame, bool) {
	var (
		f    Frame
		data []string
	)
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}
	f.Data = strings.Join(data, "\n")
	if f.Event == "" && f.Data == "" {
		return Frame{}, false
	}
	if f.Event == "" {
		f.Event = EventImplicit
	}
	return f, true
}
