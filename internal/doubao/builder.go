package doubao

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// Protocol is one generation of the upstream chat API.
type Protocol int

const (
	// ProtocolBlocks is the content_block protocol served at /chat/completion.
	ProtocolBlocks Protocol = iota
	// ProtocolSamantha is the older event_type protocol.
	ProtocolSamantha
)

// Endpoint is an upstream chat path. The protocol is fixed per endpoint.
type Endpoint string

const (
	EndpointCompletion         Endpoint = "/chat/completion"
	EndpointSamanthaCompletion Endpoint = "/samantha/chat/completion"
	endpointDelete             Endpoint = "/samantha/thread/delete"
)

// Protocol returns the wire protocol spoken at e.
func (e Endpoint) Protocol() Protocol {
	if e == EndpointSamanthaCompletion {
		return ProtocolSamantha
	}
	return ProtocolBlocks
}

// ParseEndpoint validates a configured endpoint path.
func ParseEndpoint(s string) (Endpoint, error) {
	switch e := Endpoint(s); e {
	case EndpointCompletion, EndpointSamanthaCompletion:
		return e, nil
	}
	return "", fmt.Errorf("doubao: unknown chat endpoint %q", s)
}

const (
	DefaultBaseURL = "https://www.doubao.com"
	UserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36 Edg/137.0.0.0"

	appID     = "497858"
	botID     = "7338286299411103781"
	webOrigin = "https://www.doubao.com"
)

// UpstreamRequest is a fully built HTTP request, kept transport-neutral so
// builders stay pure.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Builder produces upstream requests. Clock and id sources are fields so
// tests can pin them.
type Builder struct {
	BaseURL string
	Now     func() time.Time
	NewID   func() string
	Digits  func(n int) string
}

// NewBuilder returns a Builder for baseURL (DefaultBaseURL when empty).
func NewBuilder(baseURL string) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Now:     time.Now,
		NewID:   uuid.NewString,
		Digits:  randomDigits,
	}
}

func randomDigits(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}

// Build returns the chat request for endpoint.
func (b *Builder) Build(endpoint Endpoint, req ChatRequest, s session.Session) (*UpstreamRequest, error) {
	var (
		body []byte
		err  error
	)
	q := commonQuery(s)
	fp := s.Fingerprint()

	switch endpoint.Protocol() {
	case ProtocolSamantha:
		if fp != "" {
			q.Set("fp", fp)
		}
		body, err = json.Marshal(b.samanthaBody(req))
	default:
		body, err = json.Marshal(b.blocksBody(req, fp))
	}
	if err != nil {
		return nil, fmt.Errorf("doubao: encode request: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("Agw-Js-Conv", "str")
	h.Set("Cookie", s.Cookie)
	h.Set("Origin", webOrigin)
	h.Set("Referer", webOrigin+"/chat/"+s.RoomID)
	h.Set("User-Agent", UserAgent)
	if s.XFlowTrace != "" {
		h.Set("X-Flow-Trace", s.XFlowTrace)
	}

	return &UpstreamRequest{
		Method: http.MethodPost,
		URL:    b.BaseURL + string(endpoint) + "?" + q.Encode(),
		Header: h,
		Body:   body,
	}, nil
}

// BuildDelete returns the request that removes conversationID upstream.
func (b *Builder) BuildDelete(conversationID string, s session.Session) (*UpstreamRequest, error) {
	body, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return nil, fmt.Errorf("doubao: encode delete: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", s.Cookie)
	h.Set("Origin", webOrigin)
	h.Set("Referer", webOrigin+"/chat/"+conversationID)
	h.Set("User-Agent", UserAgent)

	return &UpstreamRequest{
		Method: http.MethodPost,
		URL:    b.BaseURL + string(endpointDelete) + "?" + commonQuery(s).Encode(),
		Header: h,
		Body:   body,
	}, nil
}

func commonQuery(s session.Session) url.Values {
	q := url.Values{}
	q.Set("aid", appID)
	q.Set("device_id", s.DeviceID)
	q.Set("device_platform", "web")
	q.Set("language", "zh")
	q.Set("pc_version", "2.23.2")
	q.Set("pkg_type", "release_version")
	q.Set("real_aid", appID)
	q.Set("region", "CN")
	q.Set("samantha_web", "1")
	q.Set("sys_region", "CN")
	q.Set("tea_uuid", s.TeaUUID)
	q.Set("use-olympus-account", "1")
	q.Set("version_code", "20800")
	q.Set("web_id", s.WebID)
	return q
}

// Block protocol payload.

type blocksPayload struct {
	ClientMeta clientMeta     `json:"client_meta"`
	Messages   []blockMessage `json:"messages"`
	Option     blockOption    `json:"option"`
	Ext        blockExt       `json:"ext"`
}

type clientMeta struct {
	LocalConversationID string `json:"local_conversation_id"`
	ConversationID      string `json:"conversation_id"`
	BotID               string `json:"bot_id"`
	LastSectionID       string `json:"last_section_id"`
	LastMessageIndex    *int   `json:"last_message_index"`
}

type blockMessage struct {
	LocalMessageID string            `json:"local_message_id"`
	ContentBlock   []contentBlock    `json:"content_block"`
	MessageStatus  int               `json:"message_status"`
	Attachments    []json.RawMessage `json:"attachments,omitempty"`
}

type contentBlock struct {
	BlockType    int          `json:"block_type"`
	Content      blockContent `json:"content"`
	BlockID      string       `json:"block_id"`
	ParentID     string       `json:"parent_id"`
	MetaInfo     []any        `json:"meta_info"`
	AppendFields []any        `json:"append_fields"`
}

type blockContent struct {
	TextBlock    textBlock `json:"text_block"`
	PCEventBlock string    `json:"pc_event_block"`
}

type textBlock struct {
	Text        string `json:"text"`
	IconURL     string `json:"icon_url"`
	IconURLDark string `json:"icon_url_dark"`
	Summary     string `json:"summary"`
}

type blockOption struct {
	SendMessageScene       string        `json:"send_message_scene"`
	CreateTimeMs           int64         `json:"create_time_ms"`
	CollectID              string        `json:"collect_id"`
	IsAudio                bool          `json:"is_audio"`
	AnswerWithSuggest      bool          `json:"answer_with_suggest"`
	TTSSwitch              bool          `json:"tts_switch"`
	NeedDeepThink          int           `json:"need_deep_think"`
	ClickClearContext      bool          `json:"click_clear_context"`
	FromSuggest            bool          `json:"from_suggest"`
	IsRegen                bool          `json:"is_regen"`
	IsReplace              bool          `json:"is_replace"`
	DisableSSECache        bool          `json:"disable_sse_cache"`
	SelectTextAction       string        `json:"select_text_action"`
	ResendForRegen         bool          `json:"resend_for_regen"`
	SceneType              int           `json:"scene_type"`
	UniqueKey              string        `json:"unique_key"`
	StartSeq               int           `json:"start_seq"`
	NeedCreateConversation bool          `json:"need_create_conversation"`
	ConversationInitOption initOption    `json:"conversation_init_option"`
	RegenQueryID           []string      `json:"regen_query_id"`
	EditQueryID            []string      `json:"edit_query_id"`
	RegenInstruction       string        `json:"regen_instruction"`
	NoReplaceForRegen      bool          `json:"no_replace_for_regen"`
	MessageFrom            int           `json:"message_from"`
	SharedAppName          string        `json:"shared_app_name"`
	SSERecvEventOptions    recvEventOpts `json:"sse_recv_event_options"`
	IsAIPlayground         bool          `json:"is_ai_playground"`
}

type initOption struct {
	NeedAckConversation bool `json:"need_ack_conversation"`
}

type recvEventOpts struct {
	SupportChunkDelta bool `json:"support_chunk_delta"`
}

type blockExt struct {
	ConversationInitOption     string `json:"conversation_init_option"`
	FP                         string `json:"fp,omitempty"`
	UseDeepThink               string `json:"use_deep_think"`
	CommerceCreditConfigEnable string `json:"commerce_credit_config_enable"`
	SubConvFirstmetType        string `json:"sub_conv_firstmet_type"`
}

func (b *Builder) blocksBody(req ChatRequest, fp string) blocksPayload {
	convID := req.ConversationID
	if req.NewConversation() {
		convID = ""
	}
	deep := 0
	if req.UseDeepThink {
		deep = 1
	}
	localConv := strconv.FormatUint(rand.Uint64N(10_000_000_000_000_000), 10)

	return blocksPayload{
		ClientMeta: clientMeta{
			LocalConversationID: "local_" + localConv,
			ConversationID:      convID,
			BotID:               botID,
			LastSectionID:       req.SectionID,
		},
		Messages: []blockMessage{{
			LocalMessageID: b.NewID(),
			ContentBlock: []contentBlock{{
				BlockType:    10000,
				Content:      blockContent{TextBlock: textBlock{Text: req.Prompt}},
				BlockID:      b.NewID(),
				MetaInfo:     []any{},
				AppendFields: []any{},
			}},
			Attachments: req.Attachments,
		}},
		Option: blockOption{
			CreateTimeMs:           b.Now().UnixMilli(),
			NeedDeepThink:          deep,
			UniqueKey:              b.NewID(),
			NeedCreateConversation: true,
			ConversationInitOption: initOption{NeedAckConversation: true},
			RegenQueryID:           []string{},
			EditQueryID:            []string{},
			SSERecvEventOptions:    recvEventOpts{SupportChunkDelta: true},
		},
		Ext: blockExt{
			ConversationInitOption:     `{"need_ack_conversation":true}`,
			FP:                         fp,
			UseDeepThink:               strconv.Itoa(deep),
			CommerceCreditConfigEnable: "0",
			SubConvFirstmetType:        "1",
		},
	}
}

// Samantha protocol payload.

type samanthaPayload struct {
	Messages            []samanthaMessage `json:"messages"`
	CompletionOption    completionOption  `json:"completion_option"`
	ConversationID      string            `json:"conversation_id"`
	LocalConversationID string            `json:"local_conversation_id"`
	LocalMessageID      string            `json:"local_message_id"`
	SectionID           string            `json:"section_id,omitempty"`
}

type samanthaMessage struct {
	Content     string            `json:"content"`
	ContentType int               `json:"content_type"`
	Attachments []json.RawMessage `json:"attachments"`
	References  []json.RawMessage `json:"references"`
}

type completionOption struct {
	IsRegen                bool   `json:"is_regen"`
	WithSuggest            bool   `json:"with_suggest"`
	NeedCreateConversation bool   `json:"need_create_conversation"`
	LaunchStage            int    `json:"launch_stage"`
	IsReplace              bool   `json:"is_replace"`
	IsDelete               bool   `json:"is_delete"`
	MessageFrom            int    `json:"message_from"`
	UseDeepThink           bool   `json:"use_deep_think,omitempty"`
	UseAutoCoT             bool   `json:"use_auto_cot,omitempty"`
	EventID                string `json:"event_id"`
}

func (b *Builder) samanthaBody(req ChatRequest) samanthaPayload {
	text, _ := json.Marshal(map[string]string{"text": req.Prompt})
	atts := req.Attachments
	if atts == nil {
		atts = []json.RawMessage{}
	}
	convID := req.ConversationID
	if req.NewConversation() {
		convID = "0"
	}
	return samanthaPayload{
		Messages: []samanthaMessage{{
			Content:     string(text),
			ContentType: 2001,
			Attachments: atts,
			References:  []json.RawMessage{},
		}},
		CompletionOption: completionOption{
			WithSuggest:            true,
			NeedCreateConversation: req.NewConversation(),
			LaunchStage:            1,
			UseDeepThink:           req.UseDeepThink,
			UseAutoCoT:             req.UseAutoCoT,
			EventID:                "0",
		},
		ConversationID:      convID,
		LocalConversationID: "local_16" + b.Digits(14),
		LocalMessageID:      b.NewID(),
		SectionID:           req.SectionID,
	}
}
