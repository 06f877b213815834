package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const maxRelayLine = 8 << 20

type flusher interface {
	Flush() error
}

// WriteStream relays a streamed reply to w as server-sent events. A reply
// that is an error or a plain JSON document is read whole and sent as a
// single event. Lines are forwarded one event each; bare lines are wrapped
// in data:. A read failure mid-stream ends the output with an error event.
// The returned error is a write failure on w, which means the client left.
func WriteStream(w io.Writer, resp *Response) error {
	if resp.StatusCode >= 400 || strings.Contains(resp.ContentType, "application/json") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return writeEvent(w, errorEvent(err.Error()))
		}
		text := strings.ToValidUTF8(string(body), "�")
		if resp.StatusCode >= 400 || gjson.Get(text, "error").Exists() {
			return writeEvent(w, errorEvent(fmt.Sprintf("Upstream error %d: %s", resp.StatusCode, text)))
		}
		return writeEvent(w, "data: "+text+"\n\n")
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxRelayLine)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var ev string
		switch {
		case strings.HasPrefix(line, "data:"), strings.HasPrefix(line, "event:"), strings.HasPrefix(line, ":"):
			ev = line + "\n\n"
		case strings.TrimSpace(line) == "[DONE]":
			ev = "data: [DONE]\n\n"
		case strings.TrimSpace(line) != "":
			ev = "data: " + line + "\n\n"
		default:
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return writeEvent(w, errorEvent(err.Error()))
	}
	return nil
}

func errorEvent(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return "data: " + string(b) + "\n\n"
}

func writeEvent(w io.Writer, ev string) error {
	if _, err := io.WriteString(w, ev); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// ContentTypeOr returns the reply's content type, or def when upstream sent
// none.
func (r *Response) ContentTypeOr(def string) string {
	if r.ContentType == "" {
		return def
	}
	return r.ContentType
}
