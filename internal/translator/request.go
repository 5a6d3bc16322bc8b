package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// URL suffixes on the upstream base.
const (
	GenerateSuffix       = "/v1internal:generateContent"
	StreamGenerateSuffix = "/v1internal:streamGenerateContent?alt=sse"
	FetchModelsSuffix    = "/v1internal:fetchAvailableModels"
)

var defaultStopSequences = []string{
	"<|user|>",
	"<|bot|>",
	"<|context_request|>",
	"<|endoftext|>",
	"<|end_of_turn|>",
}

var reasoningEffortBudgets = map[string]int{
	"low":    1024,
	"medium": 16000,
	"high":   32000,
}

// IsImageModel reports whether the model name selects image generation.
func IsImageModel(model string) bool {
	return strings.HasSuffix(strings.ToLower(model), "-image")
}

// ThinkingEnabled reports whether the model emits reasoning parts.
func ThinkingEnabled(model string) bool {
	if model == "" {
		return false
	}
	name := strings.ToLower(model)
	return strings.Contains(name, "-thinking") ||
		name == "gemini-2.5-pro" ||
		strings.HasPrefix(name, "gemini-3-pro-") ||
		name == "rev19-uic3-1p" ||
		name == "gpt-oss-120b-medium"
}

// OpenAIToInternal converts an OpenAI chat-completion request body into the
// internal generateContent envelope. It returns the marshaled envelope and
// the URL suffix to post it to.
func (c *Converter) OpenAIToInternal(raw []byte, projectID, sessionID string) ([]byte, string, error) {
	var openaiReq map[string]any
	if err := json.Unmarshal(raw, &openaiReq); err != nil {
		return nil, "", fmt.Errorf("parse request body: %w", err)
	}

	model := getString(openaiReq, "model")
	if model == "" {
		model = "gemini-2.5-flash"
	}
	stream := getBool(openaiReq, "stream")
	isImage := IsImageModel(model)
	thinking := ThinkingEnabled(model)

	messages, _ := asSlice(openaiReq["messages"])
	systemInstruction, contents := c.extractSystemInstruction(messages, model, sessionID, thinking)

	generationConfig := c.buildGenerationConfig(openaiReq, model, thinking)

	request := map[string]any{"contents": contents}
	if sessionID != "" {
		request["sessionId"] = sessionID
	}
	if systemInstruction != nil {
		request["systemInstruction"] = systemInstruction
	}
	if len(generationConfig) > 0 {
		request["generationConfig"] = generationConfig
	}

	if tools, _ := asSlice(openaiReq["tools"]); len(tools) > 0 {
		if converted := c.convertTools(tools, sessionID, model); len(converted) > 0 {
			request["tools"] = converted
			// Mode is fixed regardless of the client's tool_choice; the
			// upstream only honors VALIDATED.
			request["toolConfig"] = map[string]any{
				"functionCallingConfig": map[string]any{"mode": "VALIDATED"},
			}
		}
	}

	envelope := map[string]any{
		"project":   projectID,
		"requestId": "agent-" + uuid.New().String(),
		"userAgent": "antigravity",
		"model":     model,
		"request":   request,
	}

	if isImage {
		prepareImageRequest(envelope)
	}

	logConversionSummary(openaiReq, envelope)

	suffix := GenerateSuffix
	if stream && !isImage {
		suffix = StreamGenerateSuffix
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", fmt.Errorf("marshal upstream request: %w", err)
	}
	return out, suffix, nil
}

// prepareImageRequest rewrites the envelope for image generation: a fixed
// single-candidate generationConfig and no system/tool surfaces.
func prepareImageRequest(envelope map[string]any) {
	request, ok := asMap(envelope["request"])
	if !ok {
		return
	}
	envelope["requestType"] = "image_gen"
	request["generationConfig"] = map[string]any{"candidateCount": 1}
	delete(request, "systemInstruction")
	delete(request, "tools")
	delete(request, "toolConfig")
}

func (c *Converter) buildGenerationConfig(openaiReq map[string]any, model string, thinking bool) map[string]any {
	gc := map[string]any{}
	if v, ok := openaiReq["temperature"]; ok {
		gc["temperature"] = v
	}
	if v, ok := openaiReq["max_tokens"]; ok {
		gc["maxOutputTokens"] = v
	}
	if v, ok := openaiReq["top_p"]; ok {
		gc["topP"] = v
	}
	if v, ok := openaiReq["top_k"]; ok {
		gc["topK"] = v
	}
	if v, ok := openaiReq["frequency_penalty"]; ok {
		gc["frequencyPenalty"] = v
	}
	if v, ok := openaiReq["presence_penalty"]; ok {
		gc["presencePenalty"] = v
	}
	if stop, ok := openaiReq["stop"]; ok {
		switch s := stop.(type) {
		case string:
			gc["stopSequences"] = []any{s}
		case []any:
			gc["stopSequences"] = s
		}
	}
	if _, ok := gc["stopSequences"]; !ok {
		seqs := make([]any, len(defaultStopSequences))
		for i, s := range defaultStopSequences {
			seqs[i] = s
		}
		gc["stopSequences"] = seqs
	}
	if v, ok := openaiReq["n"]; ok {
		gc["candidateCount"] = v
	}
	if rf, ok := asMap(openaiReq["response_format"]); ok && getString(rf, "type") == "json_object" {
		gc["responseMimeType"] = "application/json"
	}

	gc["thinkingConfig"] = map[string]any{
		"includeThoughts": thinking,
		"thinkingBudget":  thinkingBudget(openaiReq, thinking),
	}
	// Claude thinking models reject topP.
	if thinking && strings.Contains(strings.ToLower(model), "claude") {
		delete(gc, "topP")
	}
	return gc
}

// thinkingBudget resolves the token budget for reasoning: an explicit
// thinking_budget wins, then reasoning_effort, then 1024. Zero when the
// model does not think.
func thinkingBudget(openaiReq map[string]any, thinking bool) int {
	if !thinking {
		return 0
	}
	if raw, ok := openaiReq["thinking_budget"]; ok && raw != nil {
		switch v := raw.(type) {
		case float64:
			return int(v)
		case string:
			var n int
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
				return n
			}
		}
		return 1024
	}
	if effort, ok := openaiReq["reasoning_effort"].(string); ok {
		if budget, ok := reasoningEffortBudgets[strings.ToLower(effort)]; ok {
			return budget
		}
	}
	return 1024
}

type toolCallInfo struct {
	name      string
	signature string
}

// extractSystemInstruction splits the message list into a system instruction
// (leading system messages joined with blank lines) and the content turns.
func (c *Converter) extractSystemInstruction(messages []any, model, sessionID string, thinking bool) (map[string]any, []any) {
	var systemMessages []string
	contents := make([]any, 0, len(messages))
	toolCallInfoMap := map[string]toolCallInfo{}
	collectingSystem := true
	defaultReasoningSignature := thoughtSignatureForModel(model)

	for _, raw := range messages {
		msg, ok := asMap(raw)
		if !ok {
			continue
		}
		role := getString(msg, "role")
		content := msg["content"]

		if role == "system" && collectingSystem {
			switch v := content.(type) {
			case string:
				systemMessages = append(systemMessages, v)
			case []any:
				for _, p := range v {
					part, ok := asMap(p)
					if !ok {
						continue
					}
					if getString(part, "type") == "text" {
						if text := extractTextValue(part["text"]); text != "" {
							systemMessages = append(systemMessages, text)
						}
					}
				}
			case map[string]any:
				if text := extractTextValue(v); text != "" {
					systemMessages = append(systemMessages, text)
				}
			}
			continue
		}
		collectingSystem = false

		// Late system messages demote to user turns.
		if role == "system" {
			role = "user"
		}

		switch role {
		case "assistant":
			contents = append(contents, c.convertAssistantMessage(msg, model, sessionID, thinking, defaultReasoningSignature, toolCallInfoMap))
		case "tool":
			functionResponse := convertToolMessage(msg, toolCallInfoMap)
			// Parallel tool results collapse into the preceding user turn.
			if last, ok := lastFunctionResponseTurn(contents); ok {
				last["parts"] = append(last["parts"].([]any), functionResponse)
			} else {
				contents = append(contents, map[string]any{
					"role":  "user",
					"parts": []any{functionResponse},
				})
			}
		default: // user and anything unrecognized
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": convertContentToParts(content),
			})
		}
	}

	var systemInstruction map[string]any
	if len(systemMessages) > 0 {
		systemInstruction = map[string]any{
			"parts": []any{map[string]any{"text": strings.Join(systemMessages, "\n\n")}},
		}
	}
	return systemInstruction, contents
}

func lastFunctionResponseTurn(contents []any) (map[string]any, bool) {
	if len(contents) == 0 {
		return nil, false
	}
	last, ok := asMap(contents[len(contents)-1])
	if !ok || getString(last, "role") != "user" {
		return nil, false
	}
	parts, ok := asSlice(last["parts"])
	if !ok {
		return nil, false
	}
	for _, p := range parts {
		if part, ok := asMap(p); ok {
			if _, ok := part["functionResponse"]; ok {
				return last, true
			}
		}
	}
	return nil, false
}

func (c *Converter) convertAssistantMessage(msg map[string]any, model, sessionID string, thinking bool, defaultReasoningSignature string, toolCallInfoMap map[string]toolCallInfo) map[string]any {
	parts := []any{}

	if thinking {
		reasoningText, _ := msg["reasoning_content"].(string)
		if reasoningText == "" {
			reasoningText = " "
		}
		signature := getString(msg, "thoughtSignature")
		if signature == "" {
			signature = getString(msg, "thought_signature")
		}
		if signature == "" {
			if cached, ok := c.Signatures.Reasoning(sessionID, model); ok {
				signature = cached
			} else {
				signature = defaultReasoningSignature
			}
		}
		parts = append(parts,
			map[string]any{"text": reasoningText, "thought": true},
			map[string]any{"text": " ", "thoughtSignature": signature},
		)
	}

	if content := msg["content"]; content != nil {
		if s, isString := content.(string); !isString || s != "" {
			parts = append(parts, convertContentToParts(content)...)
		}
	}

	toolCalls, _ := asSlice(msg["tool_calls"])
	for _, raw := range toolCalls {
		toolCall, ok := asMap(raw)
		if !ok || getString(toolCall, "type") != "function" {
			continue
		}
		fn, _ := asMap(toolCall["function"])
		funcName := getString(fn, "name")
		if funcName == "" {
			continue
		}
		toolCallID := getString(toolCall, "id")
		if toolCallID == "" {
			toolCallID = "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		}
		safeName := SanitizeToolName(funcName)
		if sessionID != "" && model != "" {
			c.ToolNames.Store(sessionID, model, safeName, funcName)
		}

		signature := getString(toolCall, "thoughtSignature")
		if signature == "" {
			signature = getString(toolCall, "thought_signature")
		}
		if thinking && signature == "" {
			if cached, ok := c.Signatures.Tool(sessionID, model); ok {
				signature = cached
			} else {
				signature = toolThoughtSignatureForModel(model)
			}
		}
		toolCallInfoMap[toolCallID] = toolCallInfo{name: safeName, signature: signature}

		partEntry := map[string]any{
			"functionCall": map[string]any{
				"id":   toolCallID,
				"name": safeName,
				"args": parseToolArguments(fn["arguments"]),
			},
		}
		if thinking {
			partEntry["thoughtSignature"] = signature
		}
		parts = append(parts, partEntry)
	}

	if len(parts) == 0 {
		parts = []any{map[string]any{"text": ""}}
	}
	return map[string]any{"role": "model", "parts": parts}
}

// parseToolArguments accepts arguments as a JSON string, an already-decoded
// object, or anything else (treated as empty). An unparsable non-empty
// string is preserved under a query key rather than dropped.
func parseToolArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(v), &args); err != nil || args == nil {
			return map[string]any{"query": v}
		}
		return args
	case map[string]any:
		return v
	default:
		return map[string]any{}
	}
}

func convertContentToParts(content any) []any {
	switch v := content.(type) {
	case string:
		return []any{map[string]any{"text": v}}
	case map[string]any:
		return []any{map[string]any{"text": extractTextValue(v)}}
	case []any:
		parts := []any{}
		for _, raw := range v {
			item, ok := asMap(raw)
			if !ok {
				continue
			}
			switch getString(item, "type") {
			case "text":
				parts = append(parts, map[string]any{"text": extractTextValue(item["text"])})
			case "image_url":
				imageURL, _ := asMap(item["image_url"])
				url := getString(imageURL, "url")
				if strings.HasPrefix(url, "data:image/") {
					if split := strings.SplitN(url, ",", 2); len(split) == 2 {
						mimeType := strings.TrimPrefix(strings.SplitN(split[0], ";", 2)[0], "data:")
						parts = append(parts, map[string]any{
							"inlineData": map[string]any{
								"mimeType": mimeType,
								"data":     split[1],
							},
						})
					}
				} else if url != "" {
					parts = append(parts, map[string]any{
						"fileData": map[string]any{"fileUri": url},
					})
				}
			}
		}
		if len(parts) == 0 {
			return []any{map[string]any{"text": ""}}
		}
		return parts
	default:
		return []any{map[string]any{"text": ""}}
	}
}

// convertToolMessage turns a tool-role message into a functionResponse part.
// The name must match the safe name of the functionCall it answers.
func convertToolMessage(msg map[string]any, toolCallInfoMap map[string]toolCallInfo) map[string]any {
	toolCallID := getString(msg, "tool_call_id")

	toolName := ""
	if info, ok := toolCallInfoMap[toolCallID]; ok && toolCallID != "" {
		toolName = info.name
	}
	if toolName == "" {
		toolName = getString(msg, "name")
	}
	if toolName != "" {
		toolName = SanitizeToolName(toolName)
	} else {
		toolName = "unknown_function"
	}

	var output string
	switch v := msg["content"].(type) {
	case nil:
		output = ""
	case string:
		output = v
	case map[string]any, []any:
		if b, err := json.Marshal(v); err == nil {
			output = string(b)
		}
	default:
		output = fmt.Sprintf("%v", v)
	}

	functionResponse := map[string]any{
		"name":     toolName,
		"response": map[string]any{"output": output},
	}
	if toolCallID != "" {
		functionResponse["id"] = toolCallID
	}
	return map[string]any{"functionResponse": functionResponse}
}

func logConversionSummary(openaiReq, envelope map[string]any) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	var openaiRoles []string
	if messages, ok := asSlice(openaiReq["messages"]); ok {
		for _, m := range messages {
			if msg, ok := asMap(m); ok {
				openaiRoles = append(openaiRoles, getString(msg, "role"))
			}
		}
	}
	request, _ := asMap(envelope["request"])
	var upstreamRoles []string
	if contents, ok := asSlice(request["contents"]); ok {
		for _, c := range contents {
			if turn, ok := asMap(c); ok {
				upstreamRoles = append(upstreamRoles, getString(turn, "role"))
			}
		}
	}
	_, hasSystem := request["systemInstruction"]
	log.Debugf("Conversion summary - OpenAI roles: %v", openaiRoles)
	log.Debugf("Conversion summary - upstream roles: %v, toolConfig=%v, hasSystemInstruction=%v",
		upstreamRoles, request["toolConfig"], hasSystem)
}
