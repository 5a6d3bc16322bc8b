package openai

import (
	"io"
	"net/http"

	"antigravity2api-go/internal/apierror"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Models handles GET /v1/models by fetching the live upstream model list.
func (h *Handler) Models(c *gin.Context) {
	project, apiErr := h.pickProject()
	if apiErr != nil {
		apierror.Abort(c, apiErr)
		return
	}

	resp, apiErr := h.callUpstream(c, project, translator.FetchModelsSuffix, []byte("{}"), upstream.ModelsTimeout)
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
	converted, err := translator.ModelsToOpenAI(raw)
	if err != nil {
		log.Errorf("Model list conversion failed: %v", err)
		apierror.Abort(c, apierror.Internal("Failed to convert model list"))
		return
	}
	c.Data(http.StatusOK, "application/json", converted)
}
