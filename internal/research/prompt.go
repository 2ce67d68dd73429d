package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// NoSearchResults is the context block used when search returned nothing.
const NoSearchResults = "No search results found."

const jsonInstruction = `Respond with a single JSON object and nothing else, using exactly these fields:
%s
Use an empty string or empty list for anything the search results do not support.
Put three to five concrete conversation openers in "talking_points".`

// buildContext formats search results as numbered entries, stopping before
// the block would exceed limit characters. A first entry that alone exceeds
// the limit is truncated.
func buildContext(results []SearchResult, limit int) string {
	if len(results) == 0 {
		return NoSearchResults
	}

	var b strings.Builder
	for i, r := range results {
		entry := fmt.Sprintf("[%d] %s\n%s\nSource: %s\n\n",
			i+1, strings.TrimSpace(r.Title), strings.TrimSpace(r.Snippet), r.Link)
		if b.Len()+len(entry) > limit {
			if b.Len() == 0 {
				b.WriteString(truncateRunes(entry, limit))
			}
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimSpace(b.String())
}

// buildPrompt assembles the subject instruction, search context and answer
// format into one user prompt.
func buildPrompt(instruction, searchContext, schema string) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nSearch results:\n")
	b.WriteString(searchContext)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, jsonInstruction, schema)
	return b.String()
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", eris.New("research: no JSON object in response")
	}
	return text[start : end+1], nil
}

// decodeJSON extracts and unmarshals the JSON object in text into v.
func decodeJSON(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return eris.Wrap(err, "research: decode response")
	}
	return nil
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// fallbackNarrative keeps the first n characters of raw model output.
func fallbackNarrative(raw string, n int) string {
	return strings.TrimSpace(truncateRunes(strings.TrimSpace(raw), n))
}

// withTalkingPoints appends a talking-points section to narrative unless it
// already has one, so narrative scanning sees structured points too.
func withTalkingPoints(narrative string, points []string) string {
	points = cleanList(points)
	if len(points) == 0 || hasTalkingPointsHeading(narrative) {
		return narrative
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(narrative))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("## Talking Points\n")
	for _, p := range points {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func hasTalkingPointsHeading(text string) bool {
	return strings.Contains(strings.ToLower(text), "talking point")
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
