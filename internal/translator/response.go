package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// mapFinishReason translates the upstream finishReason vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default: // STOP, OTHER and anything unknown
		return "stop"
	}
}

func usageFromMetadata(metadata map[string]any) map[string]any {
	num := func(key string) int64 {
		if f, ok := metadata[key].(float64); ok {
			return int64(f)
		}
		return 0
	}
	return map[string]any{
		"prompt_tokens":     num("promptTokenCount"),
		"completion_tokens": num("candidatesTokenCount"),
		"total_tokens":      num("totalTokenCount"),
	}
}

// InternalToOpenAI converts a complete generateContent response into an
// OpenAI chat completion. The upstream body may or may not be wrapped in a
// top-level response object.
func (c *Converter) InternalToOpenAI(raw []byte, model, sessionID string) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}

	responseData := body
	if wrapped, ok := asMap(body["response"]); ok {
		responseData = wrapped
	}
	candidates, _ := asSlice(responseData["candidates"])
	usageMetadata, _ := asMap(responseData["usageMetadata"])

	requestID := newCompletionID()
	created := time.Now().Unix()

	stateReasoningSignature := ""
	if sessionID != "" {
		stateReasoningSignature, _ = c.Signatures.Reasoning(sessionID, model)
	}

	if len(candidates) == 0 {
		prompt := int64(0)
		if usageMetadata != nil {
			if f, ok := usageMetadata["promptTokenCount"].(float64); ok {
				prompt = int64(f)
			}
		}
		return json.Marshal(map[string]any{
			"id":      requestID,
			"object":  "chat.completion",
			"created": created,
			"model":   model,
			"choices": []any{},
			"usage": map[string]any{
				"prompt_tokens":     prompt,
				"completion_tokens": 0,
				"total_tokens":      prompt,
			},
		})
	}

	choices := make([]any, 0, len(candidates))
	for idx, rawCandidate := range candidates {
		candidate, ok := asMap(rawCandidate)
		if !ok {
			continue
		}
		contentData, _ := asMap(candidate["content"])
		parts, _ := asSlice(contentData["parts"])

		message := map[string]any{"role": "assistant"}
		var textParts, reasoningParts []string
		var toolCalls []any
		var imageURLs []string
		reasoningSignature := ""

		for _, rawPart := range parts {
			part, ok := asMap(rawPart)
			if !ok {
				continue
			}
			switch {
			case part["thought"] == true:
				text, _ := part["text"].(string)
				reasoningParts = append(reasoningParts, text)
				if sig := getString(part, "thoughtSignature"); sig != "" {
					reasoningSignature = sig
				}
			case part["text"] != nil:
				text, _ := part["text"].(string)
				textParts = append(textParts, text)
			case part["functionCall"] != nil:
				toolCalls = append(toolCalls, c.convertFunctionCallPart(part, model, sessionID))
			case part["inlineData"] != nil:
				if url, ok := c.saveInlineImage(part); ok {
					imageURLs = append(imageURLs, url)
				}
				if sig := getString(part, "thoughtSignature"); sig != "" {
					reasoningSignature = sig
				}
			case part["thoughtSignature"] != nil:
				if sig := getString(part, "thoughtSignature"); sig != "" {
					reasoningSignature = sig
				}
			}
		}

		contentText := strings.Join(textParts, "")
		if len(imageURLs) > 0 {
			chunks := []string{}
			if contentText != "" {
				chunks = append(chunks, contentText)
			}
			for _, url := range imageURLs {
				chunks = append(chunks, fmt.Sprintf("![image](%s)", url))
			}
			message["content"] = strings.Join(chunks, "\n\n")
		} else if contentText != "" {
			message["content"] = contentText
		}
		if len(reasoningParts) > 0 {
			message["reasoning_content"] = strings.Join(reasoningParts, "")
		}
		if reasoningSignature != "" {
			stateReasoningSignature = reasoningSignature
			if sessionID != "" {
				c.Signatures.StoreReasoning(sessionID, model, reasoningSignature)
			}
		}
		if stateReasoningSignature != "" && (len(reasoningParts) > 0 || reasoningSignature != "") {
			message["thoughtSignature"] = stateReasoningSignature
		}
		if len(toolCalls) > 0 {
			message["tool_calls"] = toolCalls
		}

		finishReason := "stop"
		if fr := getString(candidate, "finishReason"); fr != "" {
			finishReason = mapFinishReason(fr)
		}

		choices = append(choices, map[string]any{
			"index":         idx,
			"message":       message,
			"finish_reason": finishReason,
		})
	}

	return json.Marshal(map[string]any{
		"id":      requestID,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": choices,
		"usage":   usageFromMetadata(usageMetadata),
	})
}

// convertFunctionCallPart builds the OpenAI tool_calls entry for an upstream
// functionCall part, restoring the client's original tool name and caching
// the attached thought signature.
func (c *Converter) convertFunctionCallPart(part map[string]any, model, sessionID string) map[string]any {
	funcCall, _ := asMap(part["functionCall"])
	thoughtSignature := getString(part, "thoughtSignature")
	if thoughtSignature == "" {
		thoughtSignature = getString(funcCall, "thoughtSignature")
	}

	callID := getString(funcCall, "id")
	if callID == "" {
		callID = newCallID()
	}
	name := getString(funcCall, "name")
	if sessionID != "" && name != "" {
		if original, ok := c.ToolNames.Original(sessionID, model, name); ok {
			name = original
		}
	}

	args := funcCall["args"]
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}

	entry := map[string]any{
		"id":   callID,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": string(argsJSON),
		},
	}
	if thoughtSignature != "" {
		entry["thoughtSignature"] = thoughtSignature
		if sessionID != "" {
			c.Signatures.StoreTool(sessionID, model, thoughtSignature)
		}
	}
	return entry
}

func (c *Converter) saveInlineImage(part map[string]any) (string, bool) {
	inline, _ := asMap(part["inlineData"])
	data := getString(inline, "data")
	if data == "" {
		return "", false
	}
	filename, err := c.Images.Save(data, getString(inline, "mimeType"))
	if err != nil {
		log.Infof("Failed to save inlineData image: %v (mime_type=%s, data_len=%d)",
			err, getString(inline, "mimeType"), len(data))
		return "", false
	}
	base := strings.TrimRight(c.ImageBaseURL, "/")
	if base == "" {
		return "/images/" + filename, true
	}
	return base + "/images/" + filename, true
}
