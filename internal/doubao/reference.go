package doubao

import (
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

// maxWalkDepth bounds the recursive reference search over unknown subtrees.
const maxWalkDepth = 12

// blockTypeSearch is the content block type carrying search results.
const blockTypeSearch = 10025

// Reference is a citation surfaced by upstream web search.
type Reference struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Index       *int64 `json:"index,omitempty"`
	Sitename    string `json:"sitename,omitempty"`
	PublishTime int64  `json:"publish_time,omitempty"`
}

var (
	titleKeys   = []string{"title", "name", "site_title"}
	urlKeys     = []string{"url", "link", "href", "jump_url"}
	snippetKeys = []string{"snippet", "summary", "desc", "description"}

	staticHosts    = []string{"bytednsdoc.com", "byteimg.com", "pstatp.com", "bytecdn.cn"}
	staticPrefixes = []string{"static.", "cdn.", "img.", "assets."}
	assetExts      = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {},
		".js": {}, ".css": {},
		".mp4": {}, ".mp3": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".wav": {}, ".m3u8": {},
		".woff": {}, ".woff2": {}, ".ttf": {},
	}
)

// NormalizeURL returns the key used to deduplicate references.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

// IsExternalSource reports whether u points at a web page rather than at a
// vendor CDN or a static asset.
func IsExternalSource(u string) bool {
	p, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return false
	}
	if p.Scheme != "http" && p.Scheme != "https" {
		return false
	}
	host := strings.ToLower(p.Hostname())
	if host == "" {
		return false
	}
	for _, h := range staticHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	for _, pre := range staticPrefixes {
		if strings.HasPrefix(host, pre) {
			return false
		}
	}
	if _, ok := assetExts[strings.ToLower(path.Ext(p.Path))]; ok {
		return false
	}
	return true
}

// ReferenceSet collects references unique by normalized URL, in first-seen
// order. The zero value is ready to use.
type ReferenceSet struct {
	seen map[string]struct{}
	refs []Reference
}

// Add inserts r if its URL is external and not seen yet.
func (s *ReferenceSet) Add(r Reference) bool {
	if r.URL == "" || !IsExternalSource(r.URL) {
		return false
	}
	key := NormalizeURL(r.URL)
	if _, dup := s.seen[key]; dup {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	s.seen[key] = struct{}{}
	s.refs = append(s.refs, r)
	return true
}

// List returns the collected references. It never returns nil.
func (s *ReferenceSet) List() []Reference {
	if s.refs == nil {
		return []Reference{}
	}
	out := make([]Reference, len(s.refs))
	copy(out, s.refs)
	return out
}

func (s *ReferenceSet) Len() int { return len(s.refs) }

// AddCard reads a text_card-like object.
func (s *ReferenceSet) AddCard(card gjson.Result) bool {
	if !card.IsObject() {
		return false
	}
	r := Reference{
		Title:    firstString(card, titleKeys),
		URL:      firstString(card, urlKeys),
		Snippet:  firstString(card, snippetKeys),
		Sitename: card.Get("sitename").String(),
	}
	if idx := card.Get("index"); idx.Exists() {
		n := idx.Int()
		r.Index = &n
	} else if rank := card.Get("original_doc_rank"); rank.Exists() {
		n := rank.Int()
		r.Index = &n
	}
	if pt := card.Get("publish_time_second"); pt.Exists() {
		r.PublishTime = pt.Int()
	}
	return s.Add(r)
}

// AddSearchResult reads a search_query_result_block: results[].text_card.
func (s *ReferenceSet) AddSearchResult(block gjson.Result) int {
	n := 0
	for _, res := range block.Get("results").Array() {
		if s.AddCard(res.Get("text_card")) {
			n++
		}
	}
	return n
}

// AddSearchReferences reads search_references[].text_card, the shape used
// inside a JSON-encoded message content.
func (s *ReferenceSet) AddSearchReferences(content gjson.Result) int {
	n := 0
	for _, ref := range content.Get("search_references").Array() {
		if s.AddCard(ref.Get("text_card")) {
			n++
		}
	}
	return n
}

// Walk searches v recursively for reference-shaped objects: any object with
// a URL-like string field. JSON documents embedded in strings are followed.
func (s *ReferenceSet) Walk(v gjson.Result) int {
	return s.walk(v, 0)
}

func (s *ReferenceSet) walk(v gjson.Result, depth int) int {
	if depth > maxWalkDepth {
		return 0
	}
	switch {
	case v.IsObject():
		if firstString(v, urlKeys) != "" && s.AddCard(v) {
			return 1
		}
		n := 0
		v.ForEach(func(_, child gjson.Result) bool {
			n += s.walk(child, depth+1)
			return true
		})
		return n
	case v.IsArray():
		n := 0
		v.ForEach(func(_, child gjson.Result) bool {
			n += s.walk(child, depth+1)
			return true
		})
		return n
	case v.Type == gjson.String:
		str := strings.TrimSpace(v.Str)
		if len(str) > 1 && (str[0] == '{' || str[0] == '[') && gjson.Valid(str) {
			return s.walk(gjson.Parse(str), depth+1)
		}
	}
	return 0
}

func firstString(v gjson.Result, keys []string) string {
	for _, k := range keys {
		if r := v.Get(k); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}
