package doubao

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ChatRequest is one user turn sent upstream.
type ChatRequest struct {
	Prompt         string
	Attachments    []json.RawMessage
	UseDeepThink   bool
	UseAutoCoT     bool
	ConversationID string
	SectionID      string
	Guest          bool

	// Credential, when set, is a client-supplied sessionid or cookie used
	// instead of a pool session. Such sessions are never bound or evicted.
	Credential string
}

// NewConversation reports whether the request starts a new conversation.
func (r ChatRequest) NewConversation() bool {
	return r.ConversationID == "" || r.ConversationID == "0"
}

// Message is an OpenAI chat message; Content is a string or a list of parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

var (
	mdImage     = regexp.MustCompile(`!\[.+\]\(.+\)`)
	sandboxPath = regexp.MustCompile(`/mnt/data/.+`)
)

// FlattenMessages folds an OpenAI message list into one prompt. A single
// message is sent as its text; longer histories are framed with
// <|im_start|>role ... <|im_end|> markers and stripped of markdown images
// and sandbox paths.
func FlattenMessages(msgs []Message) string {
	if len(msgs) < 2 {
		var b strings.Builder
		for _, m := range msgs {
			for _, t := range messageTexts(m.Content) {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
		return strings.TrimRight(b.String(), "\n")
	}

	var b strings.Builder
	for _, m := range msgs {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		for _, t := range messageTexts(m.Content) {
			b.WriteString("<|im_start|>")
			b.WriteString(role)
			b.WriteByte('\n')
			b.WriteString(t)
			b.WriteString("\n<|im_end|>\n")
		}
	}
	out := mdImage.ReplaceAllString(b.String(), "")
	return sandboxPath.ReplaceAllString(out, "")
}

// messageTexts returns the text parts of an OpenAI content value.
func messageTexts(raw json.RawMessage) []string {
	c := gjson.ParseBytes(raw)
	switch {
	case c.Type == gjson.String:
		return []string{c.Str}
	case c.IsArray():
		var out []string
		for _, part := range c.Array() {
			if part.Get("type").String() == "text" {
				out = append(out, part.Get("text").String())
			}
		}
		return out
	case !c.Exists() || c.Type == gjson.Null:
		return nil
	default:
		return []string{c.Raw}
	}
}
