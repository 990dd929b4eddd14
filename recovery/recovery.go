// Package recovery repairs and parses possibly-truncated JSON returned
// by the completion service.
//
// Models routinely run out of tokens mid-object or wrap JSON in
// markdown fences. Parsing is an ordered list of strategies: strict
// parse, truncation repair + reparse, then field-level best-effort
// extraction of complete records. A mandatory field that was cut off is
// a failure, never fabricated.
package recovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseError reports that every recovery strategy was exhausted.
type ParseError struct {
	// Snippet is a bounded prefix of the unparseable text, for logs.
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("recovery: unparseable structured output: %q", e.Snippet)
}

// Candidate is one proposed memory item from the extraction response.
// Scores are pointers so "absent" and "zero" stay distinguishable for
// the quality gate.
type Candidate struct {
	Variant    string   `json:"type"`
	Content    string   `json:"content"`
	Intensity  *float64 `json:"intensity,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	DepthLevel *int     `json:"depth_level,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
}

// Extraction is the structured result of a conversation analysis call.
type Extraction struct {
	ShouldStore bool        `json:"should_store"`
	Memories    []Candidate `json:"memories"`
	Reasoning   string      `json:"reasoning"`
}

// ParseExtraction parses raw completion text into an Extraction,
// trying strategies in order. It fails only after all of them.
func ParseExtraction(raw string) (*Extraction, error) {
	cleaned := StripFences(raw)

	// Strategy 1: the whole text is valid JSON.
	if ext := strictExtraction(cleaned); ext != nil {
		return ext, nil
	}

	// Strategy 2: trim past the last fully closed element, re-close
	// open brackets, and parse again.
	if repaired, ok := Repair(cleaned); ok {
		if ext := strictExtraction(repaired); ext != nil {
			return ext, nil
		}
	}

	// Strategy 3: salvage complete candidate objects individually.
	if ext := salvageExtraction(cleaned); ext != nil {
		return ext, nil
	}

	return nil, &ParseError{Snippet: snippet(raw)}
}

// ParseAnswer extracts the "answer" field from a synthesis response
// that was asked to return JSON. Returns false when no usable answer
// can be recovered; callers then treat the raw text as the answer.
func ParseAnswer(raw string) (string, bool) {
	cleaned := StripFences(raw)

	candidates := []string{cleaned}
	if repaired, ok := Repair(cleaned); ok {
		candidates = append(candidates, repaired)
	}
	for _, c := range candidates {
		if !gjson.Valid(c) {
			continue
		}
		if answer := gjson.Get(c, "answer"); answer.Type == gjson.String && strings.TrimSpace(answer.String()) != "" {
			return answer.String(), true
		}
	}
	return "", false
}

// StripFences removes a surrounding markdown code fence, with or
// without a language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 8 {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Repair trims trailing content after the last fully closed structural
// element and re-closes any still-open brackets. The second return is
// false when no structural prefix could be salvaged.
func Repair(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	s = s[start:]

	var stack []byte
	inString := false
	escaped := false
	lastClosed := -1 // index just past the last balanced bracket close

	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (c == '}' && open != '{') || (c == ']' && open != '[') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			lastClosed = i + 1
			if len(stack) == 0 {
				// Complete document; drop any trailing prose.
				return s[:i+1], true
			}
		}
	}

	if lastClosed < 0 {
		return "", false
	}

	out := strings.TrimRight(s[:lastClosed], ", \t\n\r")

	// Re-count open brackets over the trimmed prefix, then close them.
	var open []byte
	inString, escaped = false, false
	for i := 0; i < len(out); i++ {
		c := out[i]
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
		case '{', '[':
			open = append(open, c)
		case '}', ']':
			open = open[:len(open)-1]
		}
	}
	var b strings.Builder
	b.WriteString(out)
	for i := len(open) - 1; i >= 0; i-- {
		if open[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

func strictExtraction(s string) *Extraction {
	if s == "" || !gjson.Valid(s) {
		return nil
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(s), &ext); err != nil {
		return nil
	}
	return &ext
}

// salvageExtraction recovers individual complete objects from the
// memories array of a broken document. Only records whose mandatory
// fields (type, content) fully survived are accepted.
func salvageExtraction(s string) *Extraction {
	idx := strings.Index(s, `"memories"`)
	if idx < 0 {
		return nil
	}
	rest := s[idx+len(`"memories"`):]
	arrStart := strings.IndexByte(rest, '[')
	if arrStart < 0 {
		return nil
	}
	rest = rest[arrStart+1:]

	var memories []Candidate
	for _, obj := range completeObjects(rest) {
		variant := gjson.Get(obj, "type")
		content := gjson.Get(obj, "content")
		if variant.Type != gjson.String || content.Type != gjson.String {
			continue
		}
		if strings.TrimSpace(variant.String()) == "" || strings.TrimSpace(content.String()) == "" {
			continue
		}
		c := Candidate{Variant: variant.String(), Content: content.String()}
		if v := gjson.Get(obj, "intensity"); v.Type == gjson.Number {
			f := v.Float()
			c.Intensity = &f
		}
		if v := gjson.Get(obj, "confidence"); v.Type == gjson.Number {
			f := v.Float()
			c.Confidence = &f
		}
		if v := gjson.Get(obj, "depth_level"); v.Type == gjson.Number {
			n := int(v.Int())
			c.DepthLevel = &n
		}
		if v := gjson.Get(obj, "importance"); v.Type == gjson.Number {
			f := v.Float()
			c.Importance = &f
		}
		memories = append(memories, c)
	}
	if len(memories) == 0 {
		return nil
	}

	ext := &Extraction{ShouldStore: true, Memories: memories}
	if v := gjson.Get(s, "should_store"); v.Type == gjson.True || v.Type == gjson.False {
		ext.ShouldStore = v.Bool()
	}
	if v := gjson.Get(s, "reasoning"); v.Type == gjson.String {
		ext.Reasoning = v.String()
	}
	return ext
}

// completeObjects returns every balanced top-level {...} substring of
// an array body, stopping at the first truncated element.
func completeObjects(s string) []string {
	var objects []string
	depth := 0
	objStart := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
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
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			if depth == 0 {
				// Left the array region.
				return objects
			}
			depth--
			if depth == 0 && objStart >= 0 {
				candidate := s[objStart : i+1]
				if gjson.Valid(candidate) {
					objects = append(objects, candidate)
				}
				objStart = -1
			}
		case ']':
			if depth == 0 {
				return objects
			}
		}
	}
	return objects
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
