package llm

import "strings"

// ExtractJSON pulls a JSON object out of a model response, tolerating
// markdown code fences and surrounding prose. Returns the input unchanged
// when no object is found.
func ExtractJSON(response string) string {
	lines := strings.Split(response, "\n")
	inCodeBlock := false
	var jsonLines []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```json") {
			inCodeBlock = true
			continue
		}
		if strings.HasPrefix(trimmed, "```") && inCodeBlock {
			break
		}
		if inCodeBlock {
			jsonLines = append(jsonLines, line)
		}
	}

	if len(jsonLines) > 0 {
		return strings.Join(jsonLines, "\n")
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}

	braceCount := 0
	end := start
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 {
				end = i + 1
				return response[start:end]
			}
		}
	}

	return response[start:end]
}
