package doubao

import (
	"encoding/json"
	"testing"
)

func msg(role, content string) Message {
	return Message{Role: role, Content: json.RawMessage(content)}
}

func TestFlattenMessages(t *testing.T) {
	tests := []struct {
		name string
		in   []Message
		want string
	}{
		{
			name: "single string",
			in:   []Message{msg("user", `"hello"`)},
			want: "hello",
		},
		{
			name: "single parts",
			in:   []Message{msg("user", `[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]`)},
			want: "a\nb",
		},
		{
			name: "history",
			in: []Message{
				msg("system", `"be brief"`),
				msg("user", `"hi"`),
				msg("assistant", `"hello ![img](http://x/y.png)"`),
				msg("user", `"more"`),
			},
			want: "<|im_start|>system\nbe brief\n<|im_end|>\n" +
				"<|im_start|>user\nhi\n<|im_end|>\n" +
				"<|im_start|>assistant\nhello \n<|im_end|>\n" +
				"<|im_start|>user\nmore\n<|im_end|>\n",
		},
		{
			name: "empty",
			in:   nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FlattenMessages(tt.in); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}
