// Package gemini proxies native generateContent requests: the public Gemini
// request is wrapped in the internal envelope on the way in and the internal
// response is unwrapped on the way out, with no OpenAI translation.
package gemini

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"antigravity2api-go/internal/apierror"
	"antigravity2api-go/internal/middleware"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type Handler struct {
	Tokens   *tokenmgr.Manager
	Upstream *upstream.Client
}

func NewHandler(tokens *tokenmgr.Manager, client *upstream.Client) *Handler {
	return &Handler{Tokens: tokens, Upstream: client}
}

// Dispatch routes POST /v1beta/models/*modelAction. Gin cannot mix a path
// parameter with the literal colon Gemini uses in "model:action" segments,
// so the whole tail is captured and split here.
func (h *Handler) Dispatch(c *gin.Context) {
	tail := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, action, found := strings.Cut(tail, ":")
	if !found || model == "" {
		apierror.Abort(c, apierror.BadRequest("Expected models/{model}:{action}"))
		return
	}
	switch action {
	case "generateContent":
		h.generate(c, model, false)
	case "streamGenerateContent":
		h.generate(c, model, true)
	default:
		apierror.Abort(c, apierror.BadRequest("Unsupported action: "+action))
	}
}

// BuildEnvelope wraps a public Gemini request body in the internal envelope.
// The model key moves out of the request, contents is guaranteed to exist,
// and caller-provided requestId/userAgent win over generated ones.
func BuildEnvelope(body []byte, model, projectID string) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON body")
	}

	requestID := gjson.GetBytes(body, "requestId").String()
	if requestID == "" {
		requestID = "agent-" + uuid.New().String()
	}
	userAgent := gjson.GetBytes(body, "userAgent").String()
	if userAgent == "" {
		userAgent = "antigravity"
	}

	request := body
	var err error
	for _, key := range []string{"model", "requestId", "userAgent"} {
		if request, err = sjson.DeleteBytes(request, key); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(request, "contents").Exists() {
		if request, err = sjson.SetBytes(request, "contents", []any{}); err != nil {
			return nil, err
		}
	}

	envelope := []byte("{}")
	for _, kv := range []struct {
		key   string
		value any
	}{
		{"project", projectID},
		{"requestId", requestID},
		{"userAgent", userAgent},
		{"model", model},
	} {
		if envelope, err = sjson.SetBytes(envelope, kv.key, kv.value); err != nil {
			return nil, err
		}
	}
	return sjson.SetRawBytes(envelope, "request", request)
}

// UnwrapResponse strips the internal response wrapper, restoring the public
// Gemini shape. Bodies without the wrapper pass through untouched.
func UnwrapResponse(raw []byte) []byte {
	wrapped := gjson.GetBytes(raw, "response")
	if wrapped.IsObject() {
		return []byte(wrapped.Raw)
	}
	return raw
}

func (h *Handler) generate(c *gin.Context, model string, stream bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierror.Abort(c, apierror.BadRequest("Failed to read request body"))
		return
	}

	project, pickErr := h.Tokens.Pick()
	if pickErr != nil {
		apierror.Abort(c, apierror.Internal(pickErr.Error()))
		return
	}

	envelope, err := BuildEnvelope(body, model, project.ProjectID)
	if err != nil {
		apierror.Abort(c, apierror.BadRequest(err.Error()))
		return
	}

	suffix := translator.GenerateSuffix
	if stream {
		suffix = translator.StreamGenerateSuffix
	}
	resp, upErr := h.Upstream.Post(c.Request.Context(), project, suffix, envelope, upstream.ChatTimeout)
	if upErr != nil {
		log.Errorf("Upstream request failed for project %s: %v", project.ProjectID, upErr)
		apierror.Abort(c, apierror.Internal("Upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		log.Warnf("Upstream returned %d: %.300s", resp.StatusCode, raw)
		apierror.Abort(c, apierror.Upstream(resp.StatusCode, "Google API error: "+string(raw)))
		return
	}

	if stream {
		h.forwardStream(c, resp.Body)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		apierror.Abort(c, apierror.Internal("Failed to read upstream response"))
		return
	}
	c.Data(http.StatusOK, "application/json", UnwrapResponse(raw))
}

// forwardStream relays upstream SSE lines, unwrapping each data payload.
// Lines that fail to parse are forwarded verbatim rather than dropped.
func (h *Handler) forwardStream(c *gin.Context, upstreamBody io.Reader) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, _ := c.Writer.(http.Flusher)

	scanner := bufio.NewScanner(upstreamBody)
	scanner.Buffer(make([]byte, 64<<10), 10<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		middleware.RecordSSELine(c.FullPath())
		if _, err := c.Writer.WriteString(transformStreamLine(line)); err != nil {
			log.Debug("Client disconnected mid-stream")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("Upstream stream read failed: %v", err)
	}
}

func transformStreamLine(line string) string {
	payload := line
	if strings.HasPrefix(line, "data:") {
		payload = strings.TrimSpace(strings.SplitN(line, "data:", 2)[1])
	}
	if payload == "[DONE]" {
		return "data: [DONE]\n\n"
	}
	if !gjson.Valid(payload) {
		return line + "\n\n"
	}
	unwrapped := UnwrapResponse([]byte(payload))
	compact, err := compactJSON(unwrapped)
	if err != nil {
		return line + "\n\n"
	}
	return "data: " + compact + "\n\n"
}

func compactJSON(raw []byte) (string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
