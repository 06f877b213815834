package doubao

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestIsExternalSource(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/article", true},
		{"http://news.example.org/a?b=c", true},
		{"ftp://example.com/file", false},
		{"javascript:alert(1)", false},
		{"https:///nohost", false},
		{"https://p3-flow.byteimg.com/x", false},
		{"https://lf-flow-web-cdn.bytednsdoc.com/a", false},
		{"https://sf1.pstatp.com/a", false},
		{"https://bytecdn.cn/a", false},
		{"https://static.example.com/page", false},
		{"https://cdn.example.com/page", false},
		{"https://img.example.com/page", false},
		{"https://assets.example.com/page", false},
		{"https://example.com/pic.PNG", false},
		{"https://example.com/app.js", false},
		{"https://example.com/font.woff2", false},
		{"https://example.com/clip.m3u8", false},
		{"https://example.com/doc.pdf", true},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsExternalSource(tt.url); got != tt.want {
				t.Errorf("IsExternalSource(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestReferenceSet_DedupesNormalizedURL(t *testing.T) {
	var s ReferenceSet
	if !s.Add(Reference{Title: "a", URL: "https://Example.com/Page/"}) {
		t.Fatal("first add rejected")
	}
	if s.Add(Reference{Title: "b", URL: "https://example.com/page"}) {
		t.Fatal("duplicate accepted")
	}
	refs := s.List()
	if len(refs) != 1 || refs[0].Title != "a" {
		t.Fatalf("refs = %+v", refs)
	}
}

func TestReferenceSet_ListNeverNil(t *testing.T) {
	var s ReferenceSet
	if s.List() == nil {
		t.Fatal("List returned nil")
	}
}

func TestReferenceSet_AddCardKeys(t *testing.T) {
	tests := []struct {
		name string
		card string
		want Reference
	}{
		{
			name: "canonical",
			card: `{"title":"T","url":"https://a.com","summary":"S","sitename":"a","publish_time_second":5}`,
			want: Reference{Title: "T", URL: "https://a.com", Snippet: "S", Sitename: "a", PublishTime: 5},
		},
		{
			name: "alternate keys",
			card: `{"site_title":"T2","jump_url":"https://b.com","description":"D"}`,
			want: Reference{Title: "T2", URL: "https://b.com", Snippet: "D"},
		},
		{
			name: "href and desc",
			card: `{"name":"N","href":"https://c.com","desc":"E"}`,
			want: Reference{Title: "N", URL: "https://c.com", Snippet: "E"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s ReferenceSet
			if !s.AddCard(gjson.Parse(tt.card)) {
				t.Fatal("card rejected")
			}
			got := s.List()[0]
			got.Index = nil
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReferenceSet_IndexFallsBackToRank(t *testing.T) {
	var s ReferenceSet
	s.AddCard(gjson.Parse(`{"url":"https://a.com","original_doc_rank":3}`))
	if idx := s.List()[0].Index; idx == nil || *idx != 3 {
		t.Fatalf("index = %v", idx)
	}
}

func TestReferenceSet_WalkDepthCap(t *testing.T) {
	deep := `{"url":"https://deep.example.com"}`
	for i := 0; i < maxWalkDepth+2; i++ {
		deep = `{"n":` + deep + `}`
	}
	var s ReferenceSet
	if n := s.Walk(gjson.Parse(deep)); n != 0 {
		t.Fatalf("walked past depth cap: %d", n)
	}

	shallow := `{"a":{"b":[{"url":"https://shallow.example.com","title":"x"}]}}`
	if n := s.Walk(gjson.Parse(shallow)); n != 1 {
		t.Fatalf("shallow walk found %d", n)
	}
}

func TestReferenceSet_WalkEmbeddedJSON(t *testing.T) {
	var s ReferenceSet
	v := gjson.Parse(`{"content":"{\"search_references\":[{\"text_card\":{\"url\":\"https://x.org\"}}]}"}`)
	if n := s.Walk(v); n != 1 {
		t.Fatalf("found %d", n)
	}
}
