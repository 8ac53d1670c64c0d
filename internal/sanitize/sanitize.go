// Package sanitize implements the response sanitiser (C6): identity
// normalisation of assistant text, and best-effort structural validation/
// repair of JSON or XML payloads the caller expects in a particular
// shape.
//
// No teacher file implements an equivalent pipeline directly; this
// package is authored fresh against §4.6, following the teacher's general
// texture for small, regex-driven text utilities (compiled pattern
// tables, a single exported entry point per concern) as seen across its
// internal/agent helpers.
package sanitize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Format names a structural shape Validate can check.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatText Format = "text"
)

// identityPattern pairs a regex matching a third-party self-reference
// with nothing else — all matches are replaced by the canonical name.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bChatGPT\b`),
	regexp.MustCompile(`(?i)\bGPT-4(\.\d+)?\b`),
	regexp.MustCompile(`(?i)\bGPT-3(\.\d+)?\b`),
	regexp.MustCompile(`(?i)\bClaude(\s+\d+(\.\d+)?)?\b`),
	regexp.MustCompile(`(?i)\bGemini\b`),
	regexp.MustCompile(`(?i)\bas an AI( language model)?\b`),
	regexp.MustCompile(`(?i)\bI('m| am) an? AI( language model| assistant)?\b`),
	regexp.MustCompile(`(?i)\bI('m| am) a large language model\b`),
	regexp.MustCompile(`(?i)\bdeveloped by (OpenAI|Anthropic|Google|Meta)\b`),
}

// NormaliseIdentity substitutes every known third-party model reference
// or generic AI self-reference in text with canonicalName. Always
// enabled for user-facing output (§4.6).
func NormaliseIdentity(text, canonicalName string) string {
	out := text
	for _, re := range identityPatterns {
		out = re.ReplaceAllString(out, canonicalName)
	}
	return out
}

// Validate checks text against the declared format, applying conservative
// repairs on a first failure (§4.6). It returns the (possibly repaired)
// text and true on success, or ("", false) if no repair makes it parse.
func Validate(text string, format Format) (string, bool) {
	switch format {
	case FormatJSON:
		return validateJSON(text)
	case FormatXML:
		return validateXML(text)
	default:
		return text, true
	}
}

func validateJSON(text string) (string, bool) {
	var probe any
	if json.Unmarshal([]byte(text), &probe) == nil {
		return text, true
	}

	repaired := repairJSON(text)
	if json.Unmarshal([]byte(repaired), &probe) == nil {
		return repaired, true
	}
	return "", false
}

var (
	bareKeyPattern    = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	trailingCommaJSON = regexp.MustCompile(`,(\s*[}\]])`)
)

// repairJSON applies the conservative fixes §4.6 names: quoting bare
// keys, converting single to double quotes, and stripping trailing
// commas. It is a best-effort text transform, not a parser.
func repairJSON(text string) string {
	out := bareKeyPattern.ReplaceAllString(text, `$1"$2"$3`)
	out = strings.ReplaceAll(out, "'", `"`)
	out = trailingCommaJSON.ReplaceAllString(out, "$1")
	return out
}

var unclosedTagPattern = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_\-]*)(\s[^>]*)?>`)

func validateXML(text string) (string, bool) {
	if xmlWellFormed(text) {
		return text, true
	}
	repaired := closeUnclosedTags(text)
	if xmlWellFormed(repaired) {
		return repaired, true
	}
	return "", false
}

// xmlWellFormed does a lightweight open/close tag balance check rather
// than a full XML parse, matching the conservative scope of §4.6's
// repair step (auto-close unclosed tags, nothing more ambitious).
func xmlWellFormed(text string) bool {
	var stack []string
	tagPattern := regexp.MustCompile(`</?([A-Za-z_][A-Za-z0-9_\-]*)[^>]*?(/?)>`)
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		name, selfClose := m[1], m[2]
		closing := strings.HasPrefix(strings.TrimSpace(m[0]), "</")
		if selfClose == "/" {
			continue
		}
		if closing {
			if len(stack) == 0 || stack[len(stack)-1] != name {
				return false
			}
			stack = stack[:len(stack)-1]
		} else {
			stack = append(stack, name)
		}
	}
	return len(stack) == 0
}

// closeUnclosedTags closes every tag left open: tags still open inside an
// element when its closing tag appears are closed just before that tag,
// and tags still open at end of text get closing tags appended in
// reverse-open order.
func closeUnclosedTags(text string) string {
	var stack []string
	var out strings.Builder
	last := 0
	tagPattern := regexp.MustCompile(`</?([A-Za-z_][A-Za-z0-9_\-]*)[^>]*?(/?)>`)
	for _, loc := range tagPattern.FindAllStringSubmatchIndex(text, -1) {
		name, selfClose := text[loc[2]:loc[3]], text[loc[4]:loc[5]]
		closing := strings.HasPrefix(strings.TrimSpace(text[loc[0]:loc[1]]), "</")
		if selfClose == "/" {
			continue
		}
		if closing {
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == name {
					out.WriteString(text[last:loc[0]])
					for j := len(stack) - 1; j > i; j-- {
						out.WriteString("</" + stack[j] + ">")
					}
					last = loc[0]
					stack = stack[:i]
					break
				}
			}
		} else {
			stack = append(stack, name)
		}
	}

	out.WriteString(text[last:])
	for i := len(stack) - 1; i >= 0; i-- {
		out.WriteString("</" + stack[i] + ">")
	}
	return out.String()
}
