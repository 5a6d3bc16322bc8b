package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"antigravity2api-go/internal/config"
	"antigravity2api-go/internal/imagestore"
	"antigravity2api-go/internal/logging"
	srv "antigravity2api-go/internal/server"
	"antigravity2api-go/internal/sigcache"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/toolnames"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(cfg.Debug, cfg.LogFile); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	log.Infof("Starting antigravity2api (config: %s)", *configPath)

	if len(cfg.APIKeys) == 0 {
		log.Warn("No API keys configured; all requests will be accepted")
	}

	signatures := sigcache.New()
	toolNames := toolnames.New()

	tokens := tokenmgr.NewManager(tokenmgr.Options{
		Store: tokenmgr.NewStore(cfg.TokenFile),
		DefaultOAuth: tokenmgr.OAuthConfig{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		},
		RotationCount: cfg.RotationCount,
		OnReload: func() {
			// Session IDs change on reload, so cached signatures and tool
			// name mappings no longer match anything.
			signatures.Clear()
			toolNames.Clear()
		},
	})
	if err := tokens.Load(); err != nil {
		log.WithError(err).Fatal("Failed to load token pool")
	}
	if len(tokens.Projects()) == 0 {
		log.Warn("No projects configured; requests will fail until tokens are added")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tokens.Watch(ctx); err != nil {
		log.WithError(err).Warn("Token file watching unavailable")
	}

	images := imagestore.New(cfg.ImageDir, cfg.MaxImages)
	conv := translator.New(signatures, toolNames, images, cfg.ImageBaseURL)
	client := upstream.New(cfg.UpstreamBaseURL, tokens)

	server := srv.New(cfg, tokens, client, conv)
	if err := server.Run(ctx); err != nil {
		log.WithError(err).Fatal("Server exited with error")
	}
	log.Info("Shutdown complete")
}
