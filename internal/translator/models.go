package translator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ModelsToOpenAI converts the upstream fetchAvailableModels payload (a map
// keyed by model id) into the OpenAI model list shape. Ownership is inferred
// from the model name.
func ModelsToOpenAI(raw []byte) ([]byte, error) {
	now := time.Now().Unix()
	data := []any{}

	gjson.GetBytes(raw, "models").ForEach(func(key, _ gjson.Result) bool {
		id := key.String()
		owner := "google"
		lower := strings.ToLower(id)
		if strings.Contains(lower, "claude") {
			owner = "anthropic"
		} else if strings.Contains(lower, "gpt") {
			owner = "openai"
		}
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": owner,
		})
		return true
	})

	return json.Marshal(map[string]any{
		"object": "list",
		"data":   data,
	})
}
