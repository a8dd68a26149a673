package reading

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/reading-gateway/internal/providers"
)

// PromptVersion tags the prompt/response contract. It is embedded in every
// cache fingerprint.
const PromptVersion = "r1"

// SchemaName names the structured-output schema for providers that accept one.
const SchemaName = "divination_reading"

const systemPrompt = `You are a divination reader interpreting a cast hexagram.
Answer the querent's question directly, grounded in the judgment and line texts of the primary hexagram, the changing lines, and the relating hexagram.
Quote the key phrases you rely on and explain them. Avoid generic self-help language.
Score the outcome from 0 to 10 in steps of 0.5.
Reply with a single JSON object that follows the given schema and nothing else.`

const taskPrompt = `The querent's question and the cast are given below as JSON.
- reading.analysis: several paragraphs tied to the judgment and line texts.
- reading.score: 0-10, integer or .5 steps.
- reading.line_readings: one entry per changing line; when there are none, describe how to hold the current situation.
Schema: {"reading":{"summary":string,"analysis":string,"advice":string,"cautions":string,"timing":string,"score":number,"tags":string[],"line_readings":[{"line":number,"meaning":string}]}}`

// Schema returns the JSON schema of the expected provider output.
func Schema() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{ResultField},
		"properties": map[string]any{
			ResultField: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required": []string{
					"summary", "analysis", "advice", "cautions",
					"timing", "score", "tags", "line_readings",
				},
				"properties": map[string]any{
					"summary":  str,
					"analysis": str,
					"advice":   str,
					"cautions": str,
					"timing":   str,
					"score":    map[string]any{"type": "number"},
					"tags":     map[string]any{"type": "array", "items": str},
					"line_readings": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []string{"line", "meaning"},
							"properties": map[string]any{
								"line":    map[string]any{"type": "number"},
								"meaning": str,
							},
						},
					},
				},
			},
		},
	}
}

// BuildRequest turns an inbound request into the provider call parameters.
func BuildRequest(req *Request, model string, maxTokens int, requestID string) (*providers.GenerateRequest, error) {
	cast, err := json.Marshal(struct {
		Question      string          `json:"question"`
		Method        string          `json:"method"`
		Primary       json.RawMessage `json:"primary"`
		Relating      json.RawMessage `json:"relating"`
		ChangingLines json.RawMessage `json:"changingLines"`
	}{
		req.Question,
		req.Method,
		orDefault(req.Primary, emptyObject),
		orDefault(req.Relating, emptyObject),
		orDefault(req.ChangingLines, emptyArray),
	})
	if err != nil {
		return nil, fmt.Errorf("reading: encode cast: %w", err)
	}

	question := req.Question
	if question == "" {
		question = "(none)"
	}

	return &providers.GenerateRequest{
		Model:     model,
		MaxTokens: maxTokens,
		RequestID: requestID,
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("%s\n\nQuestion: %s\n\nCast:\n%s", taskPrompt, question, cast)},
		},
		Schema: &providers.ResponseSchema{Name: SchemaName, Schema: Schema()},
	}, nil
}
