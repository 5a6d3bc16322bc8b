package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"antigravity2api-go/internal/apierror"
	"antigravity2api-go/internal/middleware"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// streamScanBufferSize bounds a single upstream SSE line; thought signatures
// and inline images make them large.
const streamScanBufferSize = 10 << 20

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func writeSSE(c *gin.Context, flusher http.Flusher, event string) bool {
	if _, err := c.Writer.WriteString(event); err != nil {
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}

// streamErrorEvent renders an API error as a data event so clients that
// already received the 200 header still see what went wrong.
func streamErrorEvent(err *apierror.APIError) string {
	payload, marshalErr := json.Marshal(apierror.Envelope(err))
	if marshalErr != nil {
		return "data: {\"error\":{\"message\":\"stream failed\"}}\n\n"
	}
	return "data: " + string(payload) + "\n\n"
}

func (h *Handler) streamCompletion(c *gin.Context, project *tokenmgr.Project, suffix string, envelope []byte, model string) {
	resp, apiErr := h.callUpstream(c, project, suffix, envelope, upstream.ChatTimeout)
	if apiErr != nil {
		apierror.Abort(c, apiErr)
		return
	}
	defer resp.Body.Close()

	setSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	transcoder := h.Conv.NewStreamTranscoder(model, project.SessionID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), streamScanBufferSize)
	for scanner.Scan() {
		event, ok := transcoder.TranscodeLine(scanner.Text())
		if !ok {
			continue
		}
		middleware.RecordSSELine(c.FullPath())
		if !writeSSE(c, flusher, event) {
			log.Debug("Client disconnected mid-stream")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("Upstream stream read failed: %v", err)
		writeSSE(c, flusher, streamErrorEvent(apierror.Internal("Upstream stream interrupted")))
	}
	writeSSE(c, flusher, transcoder.Done())
}

// streamImageCompletion serves a streaming request against an image model.
// Image generation only exists as a blocking call upstream, so the response
// is fetched in the background while heartbeat comments keep the client
// connection alive, then replayed as two chunks.
func (h *Handler) streamImageCompletion(c *gin.Context, project *tokenmgr.Project, suffix string, envelope []byte, model string, timeout time.Duration) {
	setSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	type outcome struct {
		completion []byte
		apiErr     *apierror.APIError
	}
	done := make(chan outcome, 1)
	go func() {
		resp, apiErr := h.callUpstream(c, project, suffix, envelope, timeout)
		if apiErr != nil {
			done <- outcome{apiErr: apiErr}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			done <- outcome{apiErr: apierror.Internal("Failed to read upstream response")}
			return
		}
		converted, err := h.Conv.InternalToOpenAI(raw, model, project.SessionID)
		if err != nil {
			log.Errorf("Image response conversion failed: %v", err)
			done <- outcome{apiErr: apierror.Internal("Failed to convert upstream response")}
			return
		}
		done <- outcome{completion: converted}
	}()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-heartbeat.C:
			if !writeSSE(c, flusher, ": heartbeat\n\n") {
				log.Debug("Client disconnected while waiting for image generation")
				return
			}
		case result := <-done:
			if result.apiErr != nil {
				writeSSE(c, flusher, streamErrorEvent(result.apiErr))
				writeSSE(c, flusher, "data: [DONE]\n\n")
				return
			}
			h.replayCompletionAsChunks(c, flusher, result.completion, model)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// replayCompletionAsChunks emits a finished completion as one content chunk,
// one finish chunk carrying usage, and the terminator.
func (h *Handler) replayCompletionAsChunks(c *gin.Context, flusher http.Flusher, completion []byte, model string) {
	parsed := gjson.ParseBytes(completion)
	id := parsed.Get("id").String()
	created := parsed.Get("created").Int()
	content := parsed.Get("choices.0.message.content").String()
	finishReason := parsed.Get("choices.0.finish_reason").String()
	if finishReason == "" {
		finishReason = "stop"
	}

	contentChunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{"role": "assistant", "content": content},
			"finish_reason": nil,
		}},
	}
	finishChunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	if usage := parsed.Get("usage"); usage.Exists() {
		finishChunk["usage"] = usage.Value()
	}

	for _, chunk := range []map[string]any{contentChunk, finishChunk} {
		encoded, err := json.Marshal(chunk)
		if err != nil {
			log.Errorf("Failed to marshal image stream chunk: %v", err)
			return
		}
		if !writeSSE(c, flusher, "data: "+string(encoded)+"\n\n") {
			return
		}
	}
	writeSSE(c, flusher, "data: [DONE]\n\n")
}
