package doubao

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Upstream event names of the block-based protocol.
const (
	EventAck           = "SSE_ACK"
	EventMessageNotify = "STREAM_MSG_NOTIFY"
	EventChunk         = "STREAM_CHUNK"
	EventFullMessage   = "FULL_MSG_NOTIFY"
	EventReplyEnd      = "SSE_REPLY_END"
	EventGatewayError  = "gateway-error"
	EventMessage       = "message"
)

// Numeric event_type codes of the samantha protocol.
const (
	legacyContent = 2001
	legacyStart   = 2002
	legacyEnd     = 2003
	legacyError   = 2005
)

// Event is one classified upstream event. The concrete types below cover the
// shapes we know; anything else arrives as *UnknownEvent with its JSON tree
// so references can still be dug out of it.
type Event interface {
	Kind() string
}

// Meta carries the conversation identifiers attached to an event.
type Meta struct {
	ConversationID string
	SectionID      string
	MessageID      string
}

type AckEvent struct {
	Meta Meta
}

type MessageNotifyEvent struct {
	Meta   Meta
	Blocks []gjson.Result
}

// PatchOp is one entry of a STREAM_CHUNK patch_op list.
type PatchOp struct {
	Type   int64
	Blocks []gjson.Result
	TTS    string
	Raw    gjson.Result
}

type ChunkEvent struct {
	Ops      []PatchOp
	Finished bool
}

type FullMessageEvent struct {
	Meta        Meta
	Blocks      []gjson.Result
	Content     string // raw message.content when no block list is present
	ContentType int64
	Finished    bool
	Message     gjson.Result
}

type ReplyEndEvent struct{}

type LegacyStartEvent struct {
	ConversationID string
}

// LegacyMessageEvent is a samantha 2001 event; Data is the decoded event_data.
type LegacyMessageEvent struct {
	Data gjson.Result
}

type ErrorEvent struct {
	Code    int
	Message string
}

// TextEvent is a plain message/implicit event carrying a content string.
type TextEvent struct {
	Text string
}

type UnknownEvent struct {
	Name string
	Root gjson.Result
}

type DoneEvent struct{}

func (*AckEvent) Kind() string           { return EventAck }
func (*MessageNotifyEvent) Kind() string { return EventMessageNotify }
func (*ChunkEvent) Kind() string         { return EventChunk }
func (*FullMessageEvent) Kind() string   { return EventFullMessage }
func (*ReplyEndEvent) Kind() string      { return EventReplyEnd }
func (*LegacyStartEvent) Kind() string   { return "legacy_start" }
func (*LegacyMessageEvent) Kind() string { return "legacy_message" }
func (*ErrorEvent) Kind() string         { return "error" }
func (*TextEvent) Kind() string          { return "text" }
func (*UnknownEvent) Kind() string       { return "unknown" }
func (*DoneEvent) Kind() string          { return "done" }

// ErrMalformedFrame marks frames whose payload cannot be decoded. Callers log
// and skip these.
var ErrMalformedFrame = errors.New("doubao: malformed frame")

// Classify decodes the payload of f into one of the Event types.
func Classify(f Frame) (Event, error) {
	if f.IsDone() {
		return &DoneEvent{}, nil
	}
	if f.Event == EventGatewayError {
		return classifyGatewayError(f.Data), nil
	}
	if f.Data == "" {
		if f.Event == EventReplyEnd {
			return &ReplyEndEvent{}, nil
		}
		return &UnknownEvent{Name: f.Event}, nil
	}
	if !gjson.Valid(f.Data) {
		return nil, fmt.Errorf("%w: %s: invalid json", ErrMalformedFrame, f.Event)
	}
	root := gjson.Parse(f.Data)

	switch f.Event {
	case EventAck:
		m := root.Get("ack_client_meta")
		return &AckEvent{Meta: Meta{
			ConversationID: m.Get("conversation_id").String(),
			SectionID:      m.Get("section_id").String(),
		}}, nil

	case EventMessageNotify:
		return &MessageNotifyEvent{
			Meta:   metaOf(root.Get("meta")),
			Blocks: root.Get("content.content_block").Array(),
		}, nil

	case EventChunk:
		ev := &ChunkEvent{Finished: root.Get("is_finish").Bool()}
		for _, op := range root.Get("patch_op").Array() {
			v := op.Get("patch_value")
			ev.Ops = append(ev.Ops, PatchOp{
				Type:   op.Get("patch_type").Int(),
				Blocks: v.Get("content_block").Array(),
				TTS:    v.Get("tts_content").String(),
				Raw:    op,
			})
		}
		return ev, nil

	case EventFullMessage:
		msg := root.Get("message")
		ev := &FullMessageEvent{
			Meta:        metaOf(msg),
			ContentType: msg.Get("content_type").Int(),
			Finished:    root.Get("is_finish").Bool() || msg.Get("is_finish").Bool(),
			Message:     msg,
		}
		if ev.Meta.ConversationID == "" {
			ev.Meta = metaOf(root.Get("meta"))
		}
		if blocks := msg.Get("content_block"); blocks.Exists() {
			ev.Blocks = blocks.Array()
		} else {
			ev.Content = msg.Get("content").String()
		}
		return ev, nil

	case EventReplyEnd:
		return &ReplyEndEvent{}, nil

	case EventMessage, EventImplicit:
		return classifyMessage(root)
	}

	return &UnknownEvent{Name: f.Event, Root: root}, nil
}

func metaOf(m gjson.Result) Meta {
	return Meta{
		ConversationID: m.Get("conversation_id").String(),
		SectionID:      m.Get("section_id").String(),
		MessageID:      m.Get("message_id").String(),
	}
}

func classifyGatewayError(data string) *ErrorEvent {
	if !gjson.Valid(data) {
		return &ErrorEvent{Message: "gateway error: " + data}
	}
	r := gjson.Parse(data)
	return &ErrorEvent{
		Code:    int(r.Get("code").Int()),
		Message: "gateway error: " + r.Get("message").String(),
	}
}

// classifyMessage handles message and implicit frames. Samantha frames carry
// a numeric event_type with event_data as an embedded JSON string.
func classifyMessage(root gjson.Result) (Event, error) {
	if root.Type == gjson.String {
		return &TextEvent{Text: root.String()}, nil
	}

	if code := root.Get("code").Int(); code != 0 {
		return &ErrorEvent{
			Code:    int(code),
			Message: fmt.Sprintf("%d-%s", code, root.Get("message").String()),
		}, nil
	}

	et := root.Get("event_type")
	if !et.Exists() {
		if c := root.Get("content"); c.Type == gjson.String {
			return &TextEvent{Text: c.String()}, nil
		}
		return &UnknownEvent{Name: EventImplicit, Root: root}, nil
	}

	data := eventData(root.Get("event_data"))
	switch et.Int() {
	case legacyStart:
		return &LegacyStartEvent{ConversationID: data.Get("conversation_id").String()}, nil
	case legacyEnd:
		return &ReplyEndEvent{}, nil
	case legacyError:
		if data.Get("code").Int() == 0 {
			return &UnknownEvent{Name: "event_type_2005", Root: data}, nil
		}
		msg := data.Get("error_detail.message").String()
		if msg == "" {
			msg = data.Get("message").String()
		}
		if msg == "" {
			msg = "unknown error"
		}
		return &ErrorEvent{Code: int(data.Get("code").Int()), Message: msg}, nil
	case legacyContent:
		if !data.Exists() {
			return nil, fmt.Errorf("%w: event_data is not json", ErrMalformedFrame)
		}
		return &LegacyMessageEvent{Data: data}, nil
	}
	return &UnknownEvent{Name: fmt.Sprintf("event_type_%d", et.Int()), Root: data}, nil
}

// eventData decodes event_data, which is usually a JSON string but is
// accepted as an inline object too.
func eventData(v gjson.Result) gjson.Result {
	if v.IsObject() {
		return v
	}
	if v.Type == gjson.String && gjson.Valid(v.String()) {
		return gjson.Parse(v.String())
	}
	return gjson.Result{}
}
