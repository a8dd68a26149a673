package reading

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRequest_EmptyBody(t *testing.T) {
	req, err := ParseRequest(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(req.Primary) != "{}" || string(req.Relating) != "{}" {
		t.Errorf("expected empty objects, got primary=%s relating=%s", req.Primary, req.Relating)
	}
	if string(req.ChangingLines) != "[]" {
		t.Errorf("expected empty array, got %s", req.ChangingLines)
	}
}

func TestParseRequest_InvalidJSON(t *testing.T) {
	if _, err := ParseRequest([]byte(`{nope`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseRequest_NullNestedValues(t *testing.T) {
	req, err := ParseRequest([]byte(`{"primary":null,"changingLines":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Primary) != "{}" || string(req.ChangingLines) != "[]" {
		t.Errorf("null values should normalise, got %s / %s", req.Primary, req.ChangingLines)
	}
}

func TestIdentifier(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"number":12}`, "12"},
		{`{"number":"7"}`, "7"},
		{`{"number":1.5}`, "1.5"},
		{`{"name":"qian"}`, ""},
		{`{}`, ""},
		{``, ""},
		{`[1,2]`, ""},
		{`{"number":null}`, ""},
	}
	for _, c := range cases {
		if got := Identifier(json.RawMessage(c.raw)); got != c.want {
			t.Errorf("Identifier(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestNewResponse_EchoesRequest(t *testing.T) {
	req, _ := ParseRequest([]byte(`{"question":"q","method":"coin","primary":{"number":1},"changingLines":[2,5]}`))
	resp := NewResponse(req, SourceProvider, json.RawMessage(`{"score":7}`))

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"ok":true`, `"source":"provider"`, `"changingLines":[2,5]`, `"reading":{"score":7}`, `"relating":{}`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("response %s missing %s", data, want)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	req, _ := ParseRequest([]byte(`{"question":"should I move","method":"yarrow","primary":{"number":3}}`))
	gen, err := BuildRequest(req, "gpt-4o-mini", 1000, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if gen.Model != "gpt-4o-mini" || gen.MaxTokens != 1000 || gen.RequestID != "req-1" {
		t.Errorf("unexpected params: %+v", gen)
	}
	if len(gen.Messages) != 2 || gen.Messages[0].Role != "system" || gen.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", gen.Messages)
	}
	if !strings.Contains(gen.Messages[1].Content, "should I move") {
		t.Error("user message should carry the question")
	}
	if gen.Schema == nil || gen.Schema.Name != SchemaName {
		t.Fatal("schema should be attached")
	}
	if _, err := json.Marshal(gen.Schema.Schema); err != nil {
		t.Fatalf("schema must be JSON-encodable: %v", err)
	}
}
