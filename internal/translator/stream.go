package translator

import (
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// StreamTranscoder converts one upstream SSE stream into OpenAI
// chat.completion.chunk events. It carries the per-stream state: the chunk
// id, the finish reason once seen, usage metadata, and the last reasoning
// signature.
type StreamTranscoder struct {
	conv      *Converter
	model     string
	sessionID string

	requestID string
	created   int64

	finishReason            string
	usageMetadata           map[string]any
	stateReasoningSignature string
}

func (c *Converter) NewStreamTranscoder(model, sessionID string) *StreamTranscoder {
	t := &StreamTranscoder{
		conv:      c,
		model:     model,
		sessionID: sessionID,
		requestID: newCompletionID(),
		created:   time.Now().Unix(),
	}
	if sessionID != "" {
		t.stateReasoningSignature, _ = c.Signatures.Reasoning(sessionID, model)
	}
	return t
}

// TranscodeLine processes one line from the upstream stream and returns the
// OpenAI SSE event to forward, or ok=false when the line produces none
// (blank lines, [DONE], keep-alives, unparsable chunks).
func (t *StreamTranscoder) TranscodeLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	var jsonStr string
	switch {
	case strings.HasPrefix(line, "data: "):
		jsonStr = line[6:]
	case strings.HasPrefix(line, "data:"):
		jsonStr = line[5:]
	default:
		log.Debugf("Skipping non-SSE line: %.50s", line)
		return "", false
	}
	if strings.TrimSpace(jsonStr) == "[DONE]" {
		return "", false
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		log.Errorf("JSON decode error in stream: %v (line: %.200s)", err, line)
		return "", false
	}
	response, _ := asMap(payload["response"])
	candidates, _ := asSlice(response["candidates"])
	if len(candidates) == 0 {
		return "", false
	}
	candidate, ok := asMap(candidates[0])
	if !ok {
		return "", false
	}
	contentData, _ := asMap(candidate["content"])
	parts, _ := asSlice(contentData["parts"])

	if fr := getString(candidate, "finishReason"); fr != "" {
		t.finishReason = mapFinishReason(fr)
	}
	if um, ok := asMap(response["usageMetadata"]); ok {
		t.usageMetadata = um
	}

	delta := map[string]any{}
	var textParts, reasoningParts []string
	reasoningSignature := ""
	var toolCalls []any

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
		case part["functionCall"] != nil:
			entry := t.conv.convertFunctionCallPart(part, t.model, t.sessionID)
			entry["index"] = len(toolCalls)
			toolCalls = append(toolCalls, entry)
		case part["thoughtSignature"] != nil:
			if sig := getString(part, "thoughtSignature"); sig != "" {
				reasoningSignature = sig
			}
		case part["text"] != nil:
			text, _ := part["text"].(string)
			textParts = append(textParts, text)
		}
	}

	if len(toolCalls) > 0 {
		delta["tool_calls"] = toolCalls
	}
	if len(textParts) > 0 {
		delta["content"] = strings.Join(textParts, "")
	}
	if len(reasoningParts) > 0 {
		delta["reasoning_content"] = strings.Join(reasoningParts, "")
	}
	if reasoningSignature != "" {
		t.stateReasoningSignature = reasoningSignature
		if t.sessionID != "" {
			t.conv.Signatures.StoreReasoning(t.sessionID, t.model, reasoningSignature)
		}
	}
	if t.stateReasoningSignature != "" && (len(reasoningParts) > 0 || reasoningSignature != "") {
		delta["thoughtSignature"] = t.stateReasoningSignature
	}

	var finish any
	if t.finishReason != "" {
		finish = t.finishReason
	}
	chunk := map[string]any{
		"id":      t.requestID,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if t.usageMetadata != nil && t.finishReason != "" {
		chunk["usage"] = usageFromMetadata(t.usageMetadata)
	}

	encoded, err := json.Marshal(chunk)
	if err != nil {
		log.Errorf("Failed to marshal stream chunk: %v", err)
		return "", false
	}
	return "data: " + string(encoded) + "\n\n", true
}

// Done returns the stream terminator.
func (t *StreamTranscoder) Done() string {
	return "data: [DONE]\n\n"
}
