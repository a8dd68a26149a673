// Package reading defines the wire shapes of the generate endpoint and the
// prompt contract sent to the generation provider.
//
// The prompt wording and the JSON schema travel together with PromptVersion:
// whenever either changes, PromptVersion must be bumped so that every
// previously cached reading stops matching (see internal/fingerprint).
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response sources.
const (
	SourceCache    = "cache"
	SourceProvider = "provider"
	SourceStub     = "stub"
)

// ResultField is the top-level key the provider must return.
const ResultField = "reading"

var (
	emptyObject = json.RawMessage(`{}`)
	emptyArray  = json.RawMessage(`[]`)
)

// Request is the body of POST /generate. Every field is optional.
type Request struct {
	Question      string          `json:"question"`
	Method        string          `json:"method"`
	Primary       json.RawMessage `json:"primary,omitempty"`
	Relating      json.RawMessage `json:"relating,omitempty"`
	ChangingLines json.RawMessage `json:"changingLines,omitempty"`
}

// Response is the success envelope. The same document is stored in the
// response cache; only Source differs between a fresh and a cached answer.
type Response struct {
	OK            bool            `json:"ok"`
	Source        string          `json:"source"`
	Question      string          `json:"question"`
	Method        string          `json:"method"`
	Primary       json.RawMessage `json:"primary"`
	Relating      json.RawMessage `json:"relating"`
	ChangingLines json.RawMessage `json:"changingLines"`
	Reading       json.RawMessage `json:"reading"`
}

// ParseRequest decodes a request body. An empty body is a valid, empty
// request. Absent nested values are normalised to {} / [] so the echoed
// envelope always has the same shape.
func ParseRequest(body []byte) (*Request, error) {
	req := &Request{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			return nil, fmt.Errorf("reading: invalid JSON: %w", err)
		}
	}
	req.Primary = orDefault(req.Primary, emptyObject)
	req.Relating = orDefault(req.Relating, emptyObject)
	req.ChangingLines = orDefault(req.ChangingLines, emptyArray)
	return req, nil
}

// NewResponse builds a success envelope for req around the given reading.
func NewResponse(req *Request, source string, result json.RawMessage) *Response {
	return &Response{
		OK:            true,
		Source:        source,
		Question:      req.Question,
		Method:        req.Method,
		Primary:       orDefault(req.Primary, emptyObject),
		Relating:      orDefault(req.Relating, emptyObject),
		ChangingLines: orDefault(req.ChangingLines, emptyArray),
		Reading:       result,
	}
}

// Identifier returns the "number" member of a reading identifier object
// (e.g. a hexagram) as text, or "" when it is missing or not an object.
// Numbers keep their literal JSON spelling, so 12 stays "12".
func Identifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj struct {
		Number any `json:"number"`
	}
	if err := dec.Decode(&obj); err != nil {
		return ""
	}

	switch v := obj.Number.(type) {
	case nil:
		return ""
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// StubReading is served when the gateway runs with upstream calls disabled.
var StubReading = json.RawMessage(`{"summary":"stub mode","analysis":"Upstream generation is disabled; this is a fixed placeholder reading.","advice":"","cautions":"","timing":"","score":5,"tags":["stub"],"line_readings":[]}`)

func orDefault(raw, def json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return def
	}
	return raw
}
