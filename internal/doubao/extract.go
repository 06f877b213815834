package doubao

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Samantha content types that carry assistant text.
var legacyTextTypes = map[int64]bool{10000: true, 2001: true, 2008: true}

// Conversation identifies the upstream conversation a reply belongs to.
type Conversation struct {
	ConversationID string
	SectionID      string
	MessageID      string
}

// Result is the accumulated outcome of one reply.
type Result struct {
	Text       string
	References []Reference
	ImageURLs  []string
	Conversation
}

// Extractor folds classified events into text fragments, references and
// conversation identifiers. One Extractor serves one upstream reply and is
// not safe for concurrent use.
//
// Conversation and section ids are first-write-wins: later events may carry
// stale or empty values. The message id follows the latest event.
type Extractor struct {
	conv     Conversation
	refs     ReferenceSet
	images   []string
	seenImg  map[string]struct{}
	text     strings.Builder
	emitted  bool
	finished bool
	done     bool
}

// NewExtractor returns an empty Extractor.
func NewExtractor() *Extractor {
	return &Extractor{seenImg: make(map[string]struct{})}
}

// Finished reports whether an end-of-reply marker was seen.
func (x *Extractor) Finished() bool { return x.finished }

// Done reports whether the [DONE] sentinel was seen.
func (x *Extractor) Done() bool { return x.done }

// Conversation returns the identifiers captured so far.
func (x *Extractor) Conversation() Conversation { return x.conv }

// References returns the citations captured so far.
func (x *Extractor) References() []Reference { return x.refs.List() }

// Result returns everything accumulated so far.
func (x *Extractor) Result() Result {
	imgs := make([]string, len(x.images))
	copy(imgs, x.images)
	return Result{
		Text:         x.text.String(),
		References:   x.refs.List(),
		ImageURLs:    imgs,
		Conversation: x.conv,
	}
}

// Apply folds ev into the state and returns the non-empty text fragments it
// produced, in order. An error event yields an *UpstreamError.
func (x *Extractor) Apply(ev Event) ([]string, error) {
	var frags []string

	switch e := ev.(type) {
	case *AckEvent:
		x.setMeta(e.Meta)

	case *MessageNotifyEvent:
		x.setMeta(e.Meta)
		for _, b := range e.Blocks {
			frags = append(frags, x.block(b)...)
		}

	case *ChunkEvent:
		for _, op := range e.Ops {
			frags = append(frags, x.patch(op)...)
		}
		if e.Finished {
			x.finished = true
		}

	case *FullMessageEvent:
		x.setMeta(e.Meta)
		frags = x.fullMessage(e)
		if e.Finished {
			x.finished = true
		}

	case *ReplyEndEvent:
		x.finished = true

	case *LegacyStartEvent:
		x.setMeta(Meta{ConversationID: e.ConversationID})

	case *LegacyMessageEvent:
		frags = x.legacyMessage(e.Data)

	case *ErrorEvent:
		return nil, &UpstreamError{Code: e.Code, Message: e.Message}

	case *TextEvent:
		frags = append(frags, e.Text)

	case *UnknownEvent:
		x.refs.Walk(e.Root)

	case *DoneEvent:
		x.done = true
		x.finished = true
	}

	return x.commit(frags), nil
}

func (x *Extractor) commit(frags []string) []string {
	out := frags[:0]
	for _, f := range frags {
		if f == "" {
			continue
		}
		x.text.WriteString(f)
		out = append(out, f)
	}
	if len(out) > 0 {
		x.emitted = true
	}
	return out
}

func (x *Extractor) setMeta(m Meta) {
	if x.conv.ConversationID == "" && m.ConversationID != "" && m.ConversationID != "0" {
		x.conv.ConversationID = m.ConversationID
	}
	if x.conv.SectionID == "" && m.SectionID != "" {
		x.conv.SectionID = m.SectionID
	}
	if m.MessageID != "" {
		x.conv.MessageID = m.MessageID
	}
}

// block dispatches one content block: text is returned, search results feed
// the reference set, anything else goes through the deep reference walk.
func (x *Extractor) block(b gjson.Result) []string {
	if t := b.Get("content.text_block.text"); t.Exists() {
		return []string{t.String()}
	}
	if b.Get("block_type").Int() == blockTypeSearch {
		x.refs.AddSearchResult(b.Get("content.search_query_result_block"))
		return nil
	}
	if x.collectImages(b.Get("content")) {
		return nil
	}
	x.refs.Walk(b)
	return nil
}

// patch applies one STREAM_CHUNK operation. A non-empty tts_content is the
// op's text; block texts of the same op are then ignored. Search blocks are
// always read.
func (x *Extractor) patch(op PatchOp) []string {
	var texts []string
	for _, b := range op.Blocks {
		texts = append(texts, x.block(b)...)
	}
	if op.TTS != "" {
		return []string{op.TTS}
	}
	if len(op.Blocks) == 0 {
		x.refs.Walk(op.Raw.Get("patch_value"))
	}
	return texts
}

func (x *Extractor) fullMessage(e *FullMessageEvent) []string {
	var texts []string
	for _, b := range e.Blocks {
		texts = append(texts, x.block(b)...)
	}

	if e.Content != "" {
		content := strings.TrimSpace(e.Content)
		switch {
		case gjson.Valid(content) && gjson.Parse(content).IsArray():
			for _, b := range gjson.Parse(content).Array() {
				texts = append(texts, x.block(b)...)
			}
		case gjson.Valid(content) && gjson.Parse(content).IsObject():
			c := gjson.Parse(content)
			x.refs.AddSearchReferences(c)
			if e.ContentType == blockTypeSearch {
				x.refs.AddSearchResult(c)
			}
			if t := c.Get("text"); t.Type == gjson.String {
				texts = append(texts, t.String())
			}
		default:
			texts = append(texts, e.Content)
		}
	}

	// The full message repeats what the stream already delivered.
	if x.emitted {
		return nil
	}
	return texts
}

func (x *Extractor) legacyMessage(data gjson.Result) []string {
	for _, op := range data.Get("patch_op").Array() {
		if op.Get("patch_type").Int() != 1 {
			continue
		}
		for _, b := range op.Get("patch_value.content_block").Array() {
			if b.Get("block_type").Int() == blockTypeSearch {
				x.refs.AddSearchResult(b.Get("content.search_query_result_block"))
			}
		}
	}

	msg := data.Get("message")
	var content gjson.Result
	if msg.Exists() {
		raw := msg.Get("content")
		switch {
		case raw.IsObject():
			content = raw
		case raw.Type == gjson.String && gjson.Valid(raw.Str):
			content = gjson.Parse(raw.Str)
		}
		if content.IsObject() {
			x.refs.AddSearchReferences(content)
			if msg.Get("content_type").Int() == blockTypeSearch {
				x.refs.AddSearchResult(content)
			}
		}
		for _, b := range msg.Get("content_block").Array() {
			if b.Get("block_type").Int() == blockTypeSearch {
				x.refs.AddSearchResult(b.Get("content.search_query_result_block"))
			}
		}
	}

	if data.Get("is_finish").Bool() {
		x.finished = true
		return nil
	}
	x.setMeta(Meta{
		ConversationID: data.Get("conversation_id").String(),
		SectionID:      data.Get("section_id").String(),
		MessageID:      data.Get("message_id").String(),
	})

	if !msg.Exists() || !legacyTextTypes[msg.Get("content_type").Int()] {
		return nil
	}
	if content.IsObject() {
		return []string{content.Get("text").String()}
	}
	if raw := msg.Get("content"); raw.Type == gjson.String {
		return []string{raw.Str}
	}
	return nil
}

// collectImages records image URLs from image or creation blocks and reports
// whether the block was one.
func (x *Extractor) collectImages(content gjson.Result) bool {
	var imgs gjson.Result
	switch {
	case content.Get("creation_block").Exists():
		imgs = content.Get("creation_block.images")
	case content.Get("image_block").Exists():
		imgs = content.Get("image_block.images")
	default:
		return false
	}
	for _, img := range imgs.Array() {
		u := img.Get("image_ori.url").String()
		if u == "" {
			u = img.Get("url").String()
		}
		if u == "" {
			continue
		}
		if _, ok := x.seenImg[u]; ok {
			continue
		}
		x.seenImg[u] = struct{}{}
		x.images = append(x.images, u)
	}
	return true
}
