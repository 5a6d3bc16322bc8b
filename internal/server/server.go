// Package server assembles the gin engine and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"antigravity2api-go/internal/config"
	gh "antigravity2api-go/internal/handlers/gemini"
	oh "antigravity2api-go/internal/handlers/openai"
	mw "antigravity2api-go/internal/middleware"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config, tokens *tokenmgr.Manager, client *upstream.Client, conv *translator.Converter) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), mw.CORS(), mw.Metrics())

	openaiHandler := oh.NewHandler(tokens, client, conv, cfg.HeartbeatInterval())
	geminiHandler := gh.NewHandler(tokens, client)
	registerRoutes(engine, cfg, openaiHandler, geminiHandler)

	return &Server{
		cfg:    cfg,
		engine: engine,
		http: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func registerRoutes(engine *gin.Engine, cfg *config.Config, openaiHandler *oh.Handler, geminiHandler *gh.Handler) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "antigravity2api"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.Static("/images", cfg.ImageDir)

	bearerAuth := mw.APIKeyAuth(mw.AuthConfig{Validator: cfg.ValidateAPIKey})
	googleAuth := mw.APIKeyAuth(mw.AuthConfig{Validator: cfg.ValidateAPIKey, AllowGoogleStyle: true})

	v1 := engine.Group("/v1", bearerAuth)
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.Models)
	}

	// Native Gemini entry points accept the x-goog-api-key header and ?key=
	// query parameter in addition to bearer tokens.
	engine.POST("/v1/models/*modelAction", googleAuth, geminiHandler.Dispatch)
	engine.POST("/v1beta/models/*modelAction", googleAuth, geminiHandler.Dispatch)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
