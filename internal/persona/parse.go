package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoJSON is returned when no candidate in a reply decodes as an object.
var ErrNoJSON = errors.New("reply does not contain a JSON object")

// Candidates returns the texts tried when decoding a reply, in order: the
// reply itself, the span from the first '{' to the last '}', then both
// again with raw newlines inside string literals escaped.
func Candidates(text string) []string {
	text = strings.TrimSpace(text)
	out := []string{text}
	extracted, ok := extractObject(text)
	if ok && extracted != text {
		out = append(out, extracted)
	}
	if s := sanitizeStrings(text); s != text {
		out = append(out, s)
	}
	if ok {
		if s := sanitizeStrings(extracted); s != extracted && s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Decode parses a reply into out. Each candidate must be a JSON object
// that validates against schema (when non-nil) and unmarshals into out.
func Decode(text string, schema *jsonschema.Schema, out interface{}) error {
	var lastErr error = ErrNoJSON
	for _, c := range Candidates(text) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(c))
		if err != nil {
			continue
		}
		if _, ok := doc.(map[string]interface{}); !ok {
			lastErr = fmt.Errorf("%w: top-level value is %T", ErrNoJSON, doc)
			continue
		}
		if schema != nil {
			if err := schema.Validate(dropNulls(doc)); err != nil {
				lastErr = fmt.Errorf("schema validation failed: %w", err)
				continue
			}
		}
		if err := json.Unmarshal([]byte(c), out); err != nil {
			lastErr = fmt.Errorf("decode reply: %w", err)
			continue
		}
		return nil
	}
	return lastErr
}

// dropNulls removes null object members so an optional field sent as null
// validates as absent. json.Unmarshal already treats null as the zero value.
func dropNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			if e == nil {
				delete(t, k)
				continue
			}
			t[k] = dropNulls(e)
		}
	case []interface{}:
		for i, e := range t {
			t[i] = dropNulls(e)
		}
	}
	return v
}

func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// sanitizeStrings escapes raw CR, LF and tab characters that appear inside
// quoted strings. Text outside strings is left alone.
func sanitizeStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			b.WriteByte(ch)
			continue
		}
		if escaped {
			escaped = false
			b.WriteByte(ch)
			continue
		}
		switch ch {
		case '\\':
			escaped = true
			b.WriteByte(ch)
		case '"':
			inString = false
			b.WriteByte(ch)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
