package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nexus-agent/runtime/pkg/models"
)

// ErrNotSupported is returned by a Provider.Embed implementation that has
// no embeddings endpoint.
var ErrNotSupported = notSupportedError("embeddings not supported by this backend")

type notSupportedError string

func (e notSupportedError) Error() string { return string(e) }

// extractionPattern pairs a compiled regex with the function that turns
// one of its matches into a ToolCall. Patterns are tried in order (§9:
// "codify free-text tool-call formats as an ordered pattern set with
// explicit precedence") so the more structured, less ambiguous formats
// win over a bare JSON fragment that might just be an example the model
// quoted in prose.
var extractionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{
		name: "tool_request",
		re:   regexp.MustCompile(`(?s)\[TOOL_REQUEST\](.*?)\[END_TOOL_REQUEST\]`),
	},
	{
		name: "function_call_tag",
		re:   regexp.MustCompile(`(?s)<function_call>(.*?)</function_call>`),
	},
	{
		name: "tool_code_fence",
		re:   regexp.MustCompile("(?s)```tool_code\\s*(.*?)```"),
	},
	{
		name: "json_fragment",
		re:   regexp.MustCompile(`(?s)\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"arguments"\s*:\s*\{.*?\}\s*\}`),
	},
}

// rawToolRequest is the payload shape expected inside each extraction
// pattern's capture group.
type rawToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractToolCalls scans content for free-text tool-call formats (§4.5,
// §9) and returns the calls found plus the content with every matched
// span removed. It never mutates content in place; callers that find any
// calls should also append the "use the structured interface" system
// note described in §4.5.
func ExtractToolCalls(content string) ([]models.ToolCall, string) {
	var calls []models.ToolCall
	remaining := content

	for _, pat := range extractionPatterns {
		matches := pat.re.FindAllStringSubmatchIndex(remaining, -1)
		if matches == nil {
			continue
		}
		var kept strings.Builder
		last := 0
		for _, m := range matches {
			fullStart, fullEnd := m[0], m[1]
			var payload string
			if len(m) >= 4 && m[2] >= 0 {
				payload = remaining[m[2]:m[3]]
			} else {
				payload = remaining[fullStart:fullEnd]
			}
			if call, ok := parseRawToolRequest(payload); ok {
				kept.WriteString(remaining[last:fullStart])
				last = fullEnd
				calls = append(calls, call)
			}
		}
		kept.WriteString(remaining[last:])
		remaining = kept.String()
	}

	return calls, strings.TrimSpace(remaining)
}

// parseRawToolRequest decodes a {"name":..., "arguments":...} JSON
// payload (optionally with surrounding whitespace/prose the regex
// capture left in) into a ToolCall.
func parseRawToolRequest(payload string) (models.ToolCall, bool) {
	payload = strings.TrimSpace(payload)
	start := strings.IndexByte(payload, '{')
	end := strings.LastIndexByte(payload, '}')
	if start == -1 || end == -1 || end < start {
		return models.ToolCall{}, false
	}
	payload = payload[start : end+1]

	var raw rawToolRequest
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw.Name == "" {
		return models.ToolCall{}, false
	}
	return models.ToolCall{
		ID:        "extracted_" + uuid.NewString(),
		Type:      "function",
		Name:      raw.Name,
		Arguments: raw.Arguments,
	}, true
}

// ToolCallExtractionNote is steering text for a turn in which free-text
// tool calls were extracted, pointing the model back to the structured
// interface (§4.5). Nothing in this module adds it to a conversation;
// ChatWithTools returns extracted calls without it.
const ToolCallExtractionNote = "Note: tool calls were parsed from free-text content in your previous response. Please use the structured tool-calling interface for tool invocations going forward."
