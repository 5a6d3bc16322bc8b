// Package openai serves the OpenAI-compatible surface: chat completions and
// the model list, translated onto the internal endpoint.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"antigravity2api-go/internal/apierror"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type Handler struct {
	Tokens    *tokenmgr.Manager
	Upstream  *upstream.Client
	Conv      *translator.Converter
	Heartbeat time.Duration
}

func NewHandler(tokens *tokenmgr.Manager, client *upstream.Client, conv *translator.Converter, heartbeat time.Duration) *Handler {
	return &Handler{Tokens: tokens, Upstream: client, Conv: conv, Heartbeat: heartbeat}
}

// pickProject maps pool exhaustion onto API errors.
func (h *Handler) pickProject() (*tokenmgr.Project, *apierror.APIError) {
	project, err := h.Tokens.Pick()
	if err != nil {
		switch {
		case errors.Is(err, tokenmgr.ErrNoProjects):
			return nil, apierror.Internal("No projects configured")
		case errors.Is(err, tokenmgr.ErrAllDisabled):
			return nil, apierror.Internal("All projects are disabled")
		default:
			return nil, apierror.Internal(err.Error())
		}
	}
	return project, nil
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierror.Abort(c, apierror.BadRequest("Failed to read request body"))
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()
	isImage := translator.IsImageModel(model)

	project, apiErr := h.pickProject()
	if apiErr != nil {
		apierror.Abort(c, apiErr)
		return
	}

	envelope, suffix, err := h.Conv.OpenAIToInternal(body, project.ProjectID, project.SessionID)
	if err != nil {
		apierror.Abort(c, apierror.BadRequest(err.Error()))
		return
	}

	timeout := upstream.ChatTimeout
	if isImage {
		timeout = upstream.ImageTimeout
	}

	switch {
	case stream && isImage:
		h.streamImageCompletion(c, project, suffix, envelope, model, timeout)
	case stream:
		h.streamCompletion(c, project, suffix, envelope, model)
	default:
		h.completeChat(c, project, suffix, envelope, model, timeout)
	}
}

func (h *Handler) completeChat(c *gin.Context, project *tokenmgr.Project, suffix string, envelope []byte, model string, timeout time.Duration) {
	resp, apiErr := h.callUpstream(c, project, suffix, envelope, timeout)
	if apiErr != nil {
		apierror.Abort(c, apiErr)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		apierror.Abort(c, apierror.Internal("Failed to read upstream response"))
		return
	}
	converted, err := h.Conv.InternalToOpenAI(raw, model, project.SessionID)
	if err != nil {
		log.Errorf("Response conversion failed: %v", err)
		apierror.Abort(c, apierror.Internal("Failed to convert upstream response"))
		return
	}
	c.Data(http.StatusOK, "application/json", converted)
}

// callUpstream posts the envelope and folds transport and status failures
// into API errors. On success the caller owns resp.Body.
func (h *Handler) callUpstream(c *gin.Context, project *tokenmgr.Project, suffix string, envelope []byte, timeout time.Duration) (*http.Response, *apierror.APIError) {
	resp, err := h.Upstream.Post(c.Request.Context(), project, suffix, envelope, timeout)
	if err != nil {
		log.Errorf("Upstream request failed for project %s: %v", project.ProjectID, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierror.GatewayTimeout("Upstream request timed out")
		}
		return nil, apierror.Internal("Upstream request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		message := gjson.GetBytes(raw, "error.message").String()
		if message == "" {
			message = string(raw)
		}
		log.Warnf("Upstream returned %d: %.300s", resp.StatusCode, message)
		return nil, apierror.Upstream(resp.StatusCode, message)
	}
	return resp, nil
}
