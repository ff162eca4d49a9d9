package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// codeBlockPattern matches markdown code blocks with optional language tag.
// Captures: (1) optional language, (2) content.
var codeBlockPattern = regexp.MustCompile(`(?s)` + "```" + `(\w*)\s*\n(.+?)\n\s*` + "```")

// ExtractPayload extracts a JSON payload from an LLM response that may be
// wrapped in markdown or surrounded by prose. It tolerates the common LLM
// defect class: trailing commas before a closing brace/bracket and duplicated
// closing brackets after the outer value has already closed.
//
// Priority:
//  1. JSON inside ```json ... ``` or ``` ... ``` code blocks
//  2. The outermost {...} or [...] span in the raw response
//
// Returns the cleaned JSON string and any error.
func ExtractPayload(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", fmt.Errorf("empty response")
	}

	// Step 1: look for JSON in markdown code blocks.
	for _, block := range FencedBlocks(response) {
		if block.Lang != "" && block.Lang != "json" {
			continue
		}
		if cleaned, ok := cleanSpan(block.Content); ok {
			return cleaned, nil
		}
	}

	// Step 2: fall back to the outermost span in the raw text.
	if cleaned, ok := cleanSpan(response); ok {
		return cleaned, nil
	}

	return "", fmt.Errorf("no valid JSON payload found in response")
}

// ExtractPayloadAs extracts a JSON payload and unmarshals it into T.
func ExtractPayloadAs[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractPayload(response)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return result, nil
}

// FencedBlock is one markdown code block found in a response.
type FencedBlock struct {
	Lang    string
	Content string
}

// FencedBlocks returns every markdown code block in the response, fence
// markers stripped, language tags lowercased.
func FencedBlocks(response string) []FencedBlock {
	matches := codeBlockPattern.FindAllStringSubmatch(response, -1)

	blocks := make([]FencedBlock, 0, len(matches))
	for _, match := range matches {
		if len(match) < 3 {
			continue
		}
		blocks = append(blocks, FencedBlock{
			Lang:    strings.ToLower(match[1]),
			Content: strings.TrimSpace(match[2]),
		})
	}
	return blocks
}

// cleanSpan locates the outermost JSON value span in s, repairs trailing
// commas, and validates the result. Locating the span by bracket matching
// also trims any content trailing past the point where the outer value
// closed, including duplicated closing brackets.
func cleanSpan(s string) (string, bool) {
	startObj := strings.Index(s, "{")
	startArr := strings.Index(s, "[")

	start := -1
	var closeChar byte = '}'
	if startObj >= 0 && (startArr < 0 || startObj < startArr) {
		start = startObj
	} else if startArr >= 0 {
		start = startArr
		closeChar = ']'
	}
	if start < 0 {
		return "", false
	}

	span := matchingSpan(s[start:], closeChar)
	if span == "" {
		return "", false
	}

	span = stripTrailingCommas(span)
	if !isValidJSON(span) {
		return "", false
	}
	return span, true
}

// matchingSpan returns the prefix of s up to and including the bracket that
// closes s[0], honoring string literals and escapes. Returns "" when the
// brackets never balance (truncated payload).
func matchingSpan(s string, closeChar byte) string {
	if len(s) == 0 {
		return ""
	}

	openChar := s[0]
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

// stripTrailingCommas removes commas that immediately precede a closing '}'
// or ']' (ignoring whitespace), outside of string literals.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}

		if c == ',' {
			// Look ahead past whitespace for a closing bracket.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}

		b.WriteByte(c)
	}

	return b.String()
}

// isValidJSON checks if a string is valid JSON.
func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}
