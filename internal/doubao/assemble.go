package doubao

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/freechat-gateway/pkg/apierr"
)

// ErrClientGone wraps write failures towards the downstream client.
var ErrClientGone = errors.New("doubao: client disconnected")

// Stream turns one upstream response body into text fragments.
type Stream struct {
	dec *Decoder
	x   *Extractor
	log *slog.Logger

	// OnEvent, when set, observes every classified event kind and every
	// skipped frame ("skipped").
	OnEvent func(kind string)
}

// NewStream wraps body. A nil logger falls back to slog.Default.
func NewStream(body io.Reader, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{dec: NewDecoder(body), x: NewExtractor(), log: log}
}

// Extractor exposes the accumulated state.
func (s *Stream) Extractor() *Extractor { return s.x }

// Next returns the fragments of the next event that produced text. It
// returns io.EOF after [DONE] or the end of the body. Malformed frames are
// logged and skipped.
func (s *Stream) Next() ([]string, error) {
	for {
		if s.x.Done() {
			return nil, io.EOF
		}
		f, err := s.dec.Next()
		if err != nil {
			return nil, err
		}
		ev, err := Classify(f)
		if err != nil {
			s.observe("skipped")
			s.log.Warn("frame_skipped",
				slog.String("event", f.Event),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.observe(ev.Kind())
		frags, err := s.x.Apply(ev)
		if err != nil {
			return nil, err
		}
		if len(frags) > 0 {
			return frags, nil
		}
	}
}

func (s *Stream) observe(kind string) {
	if s.OnEvent != nil {
		s.OnEvent(kind)
	}
}

// Collect drains s and returns the buffered result. On error the partial
// result is returned alongside it.
func Collect(s *Stream) (Result, error) {
	for {
		_, err := s.Next()
		if errors.Is(err, io.EOF) {
			return s.x.Result(), nil
		}
		if err != nil {
			return s.x.Result(), err
		}
	}
}

// FormatReferences renders refs as a numbered markdown list appended to
// OpenAI-compatible message content.
func FormatReferences(refs []Reference) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nReferences:\n")
	for i, r := range refs {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "[%d] [%s](%s)\n", i+1, title, r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// chunk is an OpenAI chat.completion.chunk.
type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Role       string      `json:"role,omitempty"`
	Content    *string     `json:"content,omitempty"`
	References []Reference `json:"references,omitempty"`
}

type flusher interface {
	Flush() error
}

// ChunkWriter writes OpenAI-compatible SSE chunks. Each chunk is flushed
// immediately when the writer supports it.
type ChunkWriter struct {
	w       io.Writer
	ID      string
	Model   string
	created int64
	opened  bool
	closed  bool
}

// NewChunkWriter returns a ChunkWriter for model.
func NewChunkWriter(w io.Writer, model string) *ChunkWriter {
	return &ChunkWriter{w: w, Model: model, created: time.Now().Unix()}
}

// Started reports whether any chunk was written.
func (c *ChunkWriter) Started() bool { return c.opened }

// Content writes one content delta, preceded by the role chunk on first use.
func (c *ChunkWriter) Content(text string) error {
	if text == "" {
		return nil
	}
	if err := c.open(); err != nil {
		return err
	}
	return c.write(delta{Content: &text}, nil)
}

// Finish writes the stop chunk, carrying refs when non-empty, and [DONE].
func (c *ChunkWriter) Finish(refs []Reference) error {
	if c.closed {
		return nil
	}
	if err := c.open(); err != nil {
		return err
	}
	stop := "stop"
	if err := c.write(delta{References: refs}, &stop); err != nil {
		return err
	}
	return c.done()
}

// Fail writes one terminal error chunk and [DONE].
func (c *ChunkWriter) Fail(err error) error {
	if c.closed {
		return nil
	}
	if _, werr := c.w.Write(apierr.StreamErrorChunk(err.Error(), apierr.TypeUpstream)); werr != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, werr)
	}
	return c.done()
}

func (c *ChunkWriter) open() error {
	if c.opened {
		return nil
	}
	c.opened = true
	empty := ""
	return c.write(delta{Role: "assistant", Content: &empty}, nil)
}

func (c *ChunkWriter) write(d delta, finish *string) error {
	data, err := json.Marshal(chunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.Model,
		Choices: []chunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return c.flush()
}

func (c *ChunkWriter) done() error {
	c.closed = true
	if _, err := io.WriteString(c.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return c.flush()
}

func (c *ChunkWriter) flush() error {
	if f, ok := c.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
	}
	return nil
}

// Pipe relays s to cw as it arrives. An upstream failure ends the output
// with an error chunk and is returned; a downstream write failure is
// returned wrapped in ErrClientGone without further writes.
func Pipe(s *Stream, cw *ChunkWriter) (Result, error) {
	for {
		frags, err := s.Next()
		if cw.ID == "" {
			cw.ID = s.x.Conversation().ConversationID
		}
		if errors.Is(err, io.EOF) {
			res := s.x.Result()
			return res, cw.Finish(res.References)
		}
		if err != nil {
			if ferr := cw.Fail(err); ferr != nil {
				return s.x.Result(), ferr
			}
			return s.x.Result(), err
		}
		for _, f := range frags {
			if err := cw.Content(f); err != nil {
				return s.x.Result(), err
			}
		}
	}
}

// Completion is a non-streaming OpenAI chat.completion response.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type CompletionMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	References []Reference `json:"references,omitempty"`
}

// Usage is reported as a fixed placeholder; upstream exposes no counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletion builds the buffered OpenAI response for res.
func NewCompletion(model string, res Result) Completion {
	return Completion{
		ID:      res.ConversationID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Message: CompletionMessage{
				Role:       "assistant",
				Content:    res.Text + FormatReferences(res.References),
				References: res.References,
			},
			FinishReason: "stop",
		}},
		Usage: Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
}
