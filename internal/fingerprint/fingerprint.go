// Package fingerprint derives the response-cache key of a generate request.
package fingerprint

import (
	"strings"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
)

// escaper backslash-escapes the separator characters so that field
// boundaries stay unambiguous whatever the fields contain.
var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `-`, `\-`)

// Build returns the cache key for req under the given prompt version:
//
//	{version}|{method}|{primary}-{relating}|{question}
//
// Each field is escaped before joining. The question has surrounding
// whitespace removed but is otherwise compared exactly, so differences in
// case produce different keys. Missing components become empty strings.
func Build(req *reading.Request, version string) string {
	if req == nil {
		req = &reading.Request{}
	}
	var b strings.Builder
	escaper.WriteString(&b, version)
	b.WriteByte('|')
	escaper.WriteString(&b, req.Method)
	b.WriteByte('|')
	escaper.WriteString(&b, reading.Identifier(req.Primary))
	b.WriteByte('-')
	escaper.WriteString(&b, reading.Identifier(req.Relating))
	b.WriteByte('|')
	escaper.WriteString(&b, strings.TrimSpace(req.Question))
	return b.String()
}
