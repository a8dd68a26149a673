package upstream

import (
	"errors"
	"testing"
)

func TestExtractResult(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"plain json", `{"reading":{"score":7}}`, `{"score":7}`},
		{"surrounding whitespace", "\n  {\"reading\":{\"score\":7}}\n", `{"score":7}`},
		{"code fence", "```json\n{\"reading\":{\"score\":7.5}}\n```", `{"score":7.5}`},
		{"prose around", `Here you go: {"reading":{"summary":"ok"}} Hope it helps.`, `{"summary":"ok"}`},
		{"braces inside strings", `note {"reading":{"summary":"use } and { freely \" here"}} end`, `{"summary":"use } and { freely \" here"}`},
		{"nested", `x {"reading":{"line_readings":[{"line":2,"meaning":"m"}]},"extra":{}} y`, `{"line_readings":[{"line":2,"meaning":"m"}]}`},
		{"scalar reading", `{"reading":"text"}`, `"text"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ExtractResult(c.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestExtractResult_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no object":     "I cannot answer that.",
		"missing field": `{"answer":{"score":7}}`,
		"null field":    `{"reading":null}`,
		"unbalanced":    `prefix {"reading":{"score":7}`,
		"broken json":   `{"reading":{"score":}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractResult(content)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}
