package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"antigravity2api-go/internal/imagestore"
	"antigravity2api-go/internal/sigcache"
	"antigravity2api-go/internal/toolnames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestConverter(t *testing.T) *Converter {
	t.Helper()
	return New(sigcache.New(), toolnames.New(), imagestore.New(t.TempDir(), 10), "")
}

func convert(t *testing.T, c *Converter, request map[string]any, projectID, sessionID string) (gjson.Result, string) {
	t.Helper()
	raw, err := json.Marshal(request)
	require.NoError(t, err)
	out, suffix, err := c.OpenAIToInternal(raw, projectID, sessionID)
	require.NoError(t, err)
	return gjson.ParseBytes(out), suffix
}

func TestOpenAIToInternalBasicChat(t *testing.T) {
	c := newTestConverter(t)
	body, suffix := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "system", "content": "Be brief."},
			map[string]any{"role": "system", "content": "Answer in English."},
			map[string]any{"role": "user", "content": "Hello"},
		},
		"temperature": 0.7,
		"max_tokens":  128,
	}, "proj-1", "sess-1")

	assert.Equal(t, GenerateSuffix, suffix)
	assert.Equal(t, "proj-1", body.Get("project").String())
	assert.True(t, strings.HasPrefix(body.Get("requestId").String(), "agent-"))
	assert.Equal(t, "antigravity", body.Get("userAgent").String())
	assert.Equal(t, "gemini-2.5-flash", body.Get("model").String())
	assert.Equal(t, "sess-1", body.Get("request.sessionId").String())

	// Leading system messages join into one instruction.
	assert.Equal(t, "Be brief.\n\nAnswer in English.",
		body.Get("request.systemInstruction.parts.0.text").String())

	contents := body.Get("request.contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "Hello", contents[0].Get("parts.0.text").String())

	gc := body.Get("request.generationConfig")
	assert.InDelta(t, 0.7, gc.Get("temperature").Float(), 1e-9)
	assert.EqualValues(t, 128, gc.Get("maxOutputTokens").Int())
	assert.False(t, gc.Get("thinkingConfig.includeThoughts").Bool())
	assert.EqualValues(t, 0, gc.Get("thinkingConfig.thinkingBudget").Int())

	var stops []string
	for _, s := range gc.Get("stopSequences").Array() {
		stops = append(stops, s.String())
	}
	assert.Equal(t, defaultStopSequences, stops)
}

func TestOpenAIToInternalStreamSuffix(t *testing.T) {
	c := newTestConverter(t)
	_, suffix := convert(t, c, map[string]any{
		"model":    "gemini-2.5-flash",
		"stream":   true,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}, "p", "s")
	assert.Equal(t, StreamGenerateSuffix, suffix)
}

func TestOpenAIToInternalLateSystemBecomesUser(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "system", "content": "too late"},
		},
	}, "p", "s")

	contents := body.Get("request.contents").Array()
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[1].Get("role").String())
	assert.Equal(t, "too late", contents[1].Get("parts.0.text").String())
	assert.False(t, body.Get("request.systemInstruction").Exists())
}

func TestOpenAIToInternalExplicitStopOverridesDefaults(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model":    "gemini-2.5-flash",
		"stop":     "END",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}, "p", "s")

	stops := body.Get("request.generationConfig.stopSequences").Array()
	require.Len(t, stops, 1)
	assert.Equal(t, "END", stops[0].String())
}

func TestOpenAIToInternalResponseFormat(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model":           "gemini-2.5-flash",
		"response_format": map[string]any{"type": "json_object"},
		"messages":        []any{map[string]any{"role": "user", "content": "hi"}},
	}, "p", "s")
	assert.Equal(t, "application/json",
		body.Get("request.generationConfig.responseMimeType").String())
}

func TestThinkingEnabled(t *testing.T) {
	cases := map[string]bool{
		"claude-sonnet-4-5-thinking": true,
		"gemini-2.5-pro":             true,
		"gemini-3-pro-preview":       true,
		"rev19-uic3-1p":              true,
		"gpt-oss-120b-medium":        true,
		"gemini-2.5-flash":           false,
		"claude-sonnet-4-5":          false,
		"":                           false,
	}
	for model, want := range cases {
		assert.Equal(t, want, ThinkingEnabled(model), model)
	}
}

func TestThinkingBudgetResolution(t *testing.T) {
	cases := []struct {
		name string
		req  map[string]any
		want int64
	}{
		{"explicit budget", map[string]any{"thinking_budget": float64(2048)}, 2048},
		{"bad budget falls back", map[string]any{"thinking_budget": []any{}}, 1024},
		{"effort low", map[string]any{"reasoning_effort": "low"}, 1024},
		{"effort medium", map[string]any{"reasoning_effort": "MEDIUM"}, 16000},
		{"effort high", map[string]any{"reasoning_effort": "high"}, 32000},
		{"effort unknown", map[string]any{"reasoning_effort": "extreme"}, 1024},
		{"nothing", map[string]any{}, 1024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestConverter(t)
			req := map[string]any{
				"model":    "gemini-2.5-pro",
				"messages": []any{map[string]any{"role": "user", "content": "hi"}},
			}
			for k, v := range tc.req {
				req[k] = v
			}
			body, _ := convert(t, c, req, "p", "s")
			gc := body.Get("request.generationConfig.thinkingConfig")
			assert.True(t, gc.Get("includeThoughts").Bool())
			assert.Equal(t, tc.want, gc.Get("thinkingBudget").Int())
		})
	}
}

func TestThinkingAssistantHistoryGetsSyntheticParts(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "claude-sonnet-4-5-thinking",
		"messages": []any{
			map[string]any{"role": "user", "content": "question"},
			map[string]any{"role": "assistant", "content": "earlier answer"},
			map[string]any{"role": "user", "content": "follow-up"},
		},
	}, "p", "sess")

	parts := body.Get("request.contents.1.parts").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, " ", parts[0].Get("text").String())
	assert.True(t, parts[0].Get("thought").Bool())
	// No cached signature: falls back to the claude constant.
	assert.Equal(t, claudeThoughtSignature, parts[1].Get("thoughtSignature").String())
	assert.Equal(t, "earlier answer", parts[2].Get("text").String())
}

func TestThinkingUsesCachedReasoningSignature(t *testing.T) {
	c := newTestConverter(t)
	c.Signatures.StoreReasoning("sess", "claude-sonnet-4-5-thinking", "cached-sig")

	body, _ := convert(t, c, map[string]any{
		"model": "claude-sonnet-4-5-thinking",
		"messages": []any{
			map[string]any{"role": "assistant", "content": "a", "reasoning_content": "thought about it"},
		},
	}, "p", "sess")

	parts := body.Get("request.contents.0.parts").Array()
	assert.Equal(t, "thought about it", parts[0].Get("text").String())
	assert.Equal(t, "cached-sig", parts[1].Get("thoughtSignature").String())
}

func TestClaudeThinkingDropsTopP(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model":    "claude-sonnet-4-5-thinking",
		"top_p":    0.9,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}, "p", "s")
	assert.False(t, body.Get("request.generationConfig.topP").Exists())

	// Non-claude thinking models keep it.
	body, _ = convert(t, c, map[string]any{
		"model":    "gemini-2.5-pro",
		"top_p":    0.9,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}, "p", "s")
	assert.True(t, body.Get("request.generationConfig.topP").Exists())
}

func TestImageModelSpecialization(t *testing.T) {
	c := newTestConverter(t)
	body, suffix := convert(t, c, map[string]any{
		"model":  "gemini-image-4-image",
		"stream": true,
		"messages": []any{
			map[string]any{"role": "system", "content": "style hints"},
			map[string]any{"role": "user", "content": "draw a cat"},
		},
		"tools": []any{map[string]any{
			"type":     "function",
			"function": map[string]any{"name": "f", "parameters": map[string]any{}},
		}},
	}, "p", "s")

	// Image models always use the non-stream endpoint.
	assert.Equal(t, GenerateSuffix, suffix)
	assert.Equal(t, "image_gen", body.Get("requestType").String())
	gc := body.Get("request.generationConfig")
	assert.EqualValues(t, 1, gc.Get("candidateCount").Int())
	assert.Len(t, gc.Map(), 1, "generationConfig reduced to candidateCount only")
	assert.False(t, body.Get("request.systemInstruction").Exists())
	assert.False(t, body.Get("request.tools").Exists())
	assert.False(t, body.Get("request.toolConfig").Exists())
}

func TestToolConversionSanitizesAndMaps(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
		"tools": []any{
			map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        "repo.search/files",
					"description": "Search files",
					"parameters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{"type": "STRING", "minLength": 1},
						},
						"required":             []any{"query"},
						"additionalProperties": false,
						"$schema":              "http://json-schema.org/draft-07/schema#",
					},
				},
			},
		},
	}, "p", "sess")

	decl := body.Get("request.tools.0.functionDeclarations.0")
	assert.Equal(t, "repo_search_files", decl.Get("name").String())
	assert.Equal(t, "Search files", decl.Get("description").String())

	params := decl.Get("parameters")
	assert.Equal(t, "object", params.Get("type").String())
	assert.Equal(t, "string", params.Get("properties.query.type").String(), "type lowercased")
	assert.False(t, params.Get("properties.query.minLength").Exists(), "excluded key dropped")
	assert.False(t, params.Get("additionalProperties").Exists())
	assert.False(t, params.Get("$schema").Exists())

	assert.Equal(t, "VALIDATED",
		body.Get("request.toolConfig.functionCallingConfig.mode").String())

	// The safe->original mapping is recorded for the response path.
	original, ok := c.ToolNames.Original("sess", "gemini-2.5-flash", "repo_search_files")
	require.True(t, ok)
	assert.Equal(t, "repo.search/files", original)
}

func TestToolWithInvalidSchemaIsDropped(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model":    "gemini-2.5-flash",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"tools": []any{
			map[string]any{
				"type": "function",
				"function": map[string]any{
					"name": "bad_tool",
					"parameters": map[string]any{
						"type": "tuple",
					},
				},
			},
		},
	}, "p", "s")

	assert.False(t, body.Get("request.tools").Exists())
	assert.False(t, body.Get("request.toolConfig").Exists())
}

func TestAssistantToolCallsAndToolResults(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "user", "content": "weather in Oslo and Bergen?"},
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "get.weather",
							"arguments": `{"city":"Oslo"}`,
						},
					},
					map[string]any{
						"id":   "call_2",
						"type": "function",
						"function": map[string]any{
							"name":      "get.weather",
							"arguments": "not json",
						},
					},
				},
			},
			map[string]any{"role": "tool", "tool_call_id": "call_1", "content": "sunny"},
			map[string]any{"role": "tool", "tool_call_id": "call_2", "content": map[string]any{"temp": 12}},
		},
	}, "p", "sess")

	model := body.Get("request.contents.1")
	assert.Equal(t, "model", model.Get("role").String())
	call0 := model.Get("parts.0.functionCall")
	assert.Equal(t, "call_1", call0.Get("id").String())
	assert.Equal(t, "get_weather", call0.Get("name").String())
	assert.Equal(t, "Oslo", call0.Get("args.city").String())
	// Unparsable string arguments are preserved under query.
	assert.Equal(t, "not json", model.Get("parts.1.functionCall.args.query").String())

	// Both tool results collapse into one user turn.
	contents := body.Get("request.contents").Array()
	require.Len(t, contents, 3)
	responses := contents[2].Get("parts").Array()
	require.Len(t, responses, 2)
	first := responses[0].Get("functionResponse")
	assert.Equal(t, "get_weather", first.Get("name").String(), "response name matches the safe call name")
	assert.Equal(t, "call_1", first.Get("id").String())
	assert.Equal(t, "sunny", first.Get("response.output").String())
	second := responses[1].Get("functionResponse")
	assert.Equal(t, `{"temp":12}`, second.Get("response.output").String())
}

func TestToolMessageWithoutLinkage(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "tool", "tool_call_id": "call_x", "content": "orphan"},
		},
	}, "p", "s")

	fr := body.Get("request.contents.0.parts.0.functionResponse")
	assert.Equal(t, "unknown_function", fr.Get("name").String())
	assert.Equal(t, "orphan", fr.Get("response.output").String())
}

func TestMultimodalContentParts(t *testing.T) {
	c := newTestConverter(t)
	body, _ := convert(t, c, map[string]any{
		"model": "gemini-2.5-flash",
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "what is this?"},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "data:image/png;base64,AAAA",
				}},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "https://example.com/cat.png",
				}},
			}},
		},
	}, "p", "s")

	parts := body.Get("request.contents.0.parts").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, "what is this?", parts[0].Get("text").String())
	assert.Equal(t, "image/png", parts[1].Get("inlineData.mimeType").String())
	assert.Equal(t, "AAAA", parts[1].Get("inlineData.data").String())
	assert.Equal(t, "https://example.com/cat.png", parts[2].Get("fileData.fileUri").String())
}

func TestSanitizeToolName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"get_weather", "get_weather"},
		{"get.weather", "get_weather"},
		{"_private_", "private"},
		{"", "tool"},
		{"!!!", "tool"},
		{"a b/c", "a_b_c"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeToolName(tc.in), tc.in)
	}

	long := strings.Repeat("x", 200)
	assert.Len(t, SanitizeToolName(long), 128)
}

func TestSanitizeToolNameIdempotent(t *testing.T) {
	inputs := []string{"get.weather", "a b/c", "__x__", "ok-name", "名前", ""}
	for _, in := range inputs {
		once := SanitizeToolName(in)
		assert.Equal(t, once, SanitizeToolName(once), in)
	}
}

func TestBadJSONBody(t *testing.T) {
	c := newTestConverter(t)
	_, _, err := c.OpenAIToInternal([]byte("{not json"), "p", "s")
	assert.Error(t, err)
}
