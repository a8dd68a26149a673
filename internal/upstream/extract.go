package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
)

// ExtractResult returns the value of the top-level result field in content.
//
// content is first parsed as a whole. If that fails, or the field is
// missing, the first balanced {...} block in content is parsed instead, so
// answers wrapped in prose or code fences still resolve. ErrInvalidPayload
// is returned when neither attempt yields a non-null field.
func ExtractResult(content string) (json.RawMessage, error) {
	raw := bytes.TrimSpace([]byte(content))

	if v, ok := resultField(raw); ok {
		return v, nil
	}
	if obj := firstObject(raw); obj != nil {
		if v, ok := resultField(obj); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: no %q object in provider output", ErrInvalidPayload, reading.ResultField)
}

func resultField(data []byte) (json.RawMessage, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, false
	}
	v, ok := top[reading.ResultField]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil, false
	}
	return v, true
}

// firstObject returns the first balanced top-level object in data. Braces
// inside JSON strings are ignored.
func firstObject(data []byte) []byte {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[start : i+1]
			}
		}
	}
	return nil
}
