package llm

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// extractJSON strips Markdown code fences and, when multiple JSON
// objects are present in the content, keeps the longest valid one. LLMs
// frequently wrap their JSON in ```json fences or add leading prose
// despite the response-format directive, so this extractor is lenient
// rather than requiring byte-exact JSON.
func extractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	candidates := findJSONObjects(content)
	if len(candidates) == 0 {
		return "", errors.New("no JSON object found in llm response")
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c) > len(best) {
			best = c
		}
	}
	return best, nil
}

// findJSONObjects scans for brace-balanced substrings that parse as
// valid JSON objects.
func findJSONObjects(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := s[start : i+1]
					var probe map[string]interface{}
					if json.Unmarshal([]byte(candidate), &probe) == nil {
						out = append(out, candidate)
					}
					start = -1
				}
			}
		}
	}
	return out
}

type classifyWire struct {
	Action             string   `json:"action"`
	Confidence         float64  `json:"confidence"`
	AssistantMessage   string   `json:"assistant_message"`
	SemanticSubqueries []string `json:"semantic_subqueries"`
	Categories         []string `json:"categories"`
}

func parseClassifyResponse(content string) (*ClassifyResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var wire classifyWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, errors.Wrap(err, "classifier JSON did not match expected shape")
	}

	action := Action(wire.Action)
	switch action {
	case ActionGreeting, ActionInvalid, ActionClarification, ActionProductSearch:
	default:
		return nil, errors.Errorf("classifier returned unknown action %q", wire.Action)
	}

	return &ClassifyResult{
		Action:             action,
		Confidence:         wire.Confidence,
		AssistantMessage:   wire.AssistantMessage,
		SemanticSubqueries: wire.SemanticSubqueries,
		Categories:         wire.Categories,
	}, nil
}

type rerankWire struct {
	Entries []struct {
		ProductIndex   int     `json:"product_index"`
		RelevanceScore float64 `json:"relevance_score"`
		Reason         string  `json:"reason"`
		Bucket         string  `json:"bucket"`
	} `json:"entries"`
	AssistantMessage string `json:"assistant_message"`
}

func parseRerankResponse(content string) (*RerankResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var wire rerankWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, errors.Wrap(err, "re-ranker JSON did not match expected shape")
	}

	entries := make([]RerankEntry, 0, len(wire.Entries))
	for _, e := range wire.Entries {
		entries = append(entries, RerankEntry{
			ProductIndex:   e.ProductIndex,
			RelevanceScore: e.RelevanceScore,
			Reason:         e.Reason,
			Bucket:         Bucket(e.Bucket),
		})
	}

	return &RerankResult{Entries: entries, AssistantMessage: wire.AssistantMessage}, nil
}
