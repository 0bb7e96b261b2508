package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/agent"
	"github.com/robolink/voice-gateway/internal/api"
	"github.com/robolink/voice-gateway/internal/config"
	"github.com/robolink/voice-gateway/internal/gateway"
	"github.com/robolink/voice-gateway/internal/ingest"
	"github.com/robolink/voice-gateway/internal/iot"
	"github.com/robolink/voice-gateway/internal/relay"
	"github.com/robolink/voice-gateway/internal/session"
	"github.com/robolink/voice-gateway/internal/settings"
	"github.com/robolink/voice-gateway/internal/store"
	"github.com/robolink/voice-gateway/internal/token"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}

	asrTokens := token.NewOAuthProvider(cfg.TokenURL, cfg.TokenAPIKey, cfg.TokenSecret, logger)
	executor := agent.NewClient(agent.Config{
		BaseURL: cfg.AgentBaseURL,
		Token:   cfg.AgentToken,
		BotID:   cfg.AgentBotID,
		UserID:  cfg.AgentUserID,
		Stream:  true,
		Timeout: cfg.TurnTimeout,
	}, logger)

	transcoder := ingest.NewTranscoder(cfg.FFmpegPath, logger)
	if !transcoder.Available() {
		logger.Warn("ffmpeg not found, reply audio transcoding will fail",
			zap.String("path", cfg.FFmpegPath))
	}

	params := settings.NewParams(settings.VoiceParams{
		VoiceID:    cfg.DefaultVoiceID,
		SpeedRatio: cfg.DefaultSpeedRatio,
	})

	commandRelay := relay.New(st, logger)

	// Completed turns are attributed to whichever account the controller
	// client has bound; unattributed turns are kept under an empty account.
	history := session.HistorySink(func(ask, answer string) {
		account := commandRelay.CurrentAccount()
		if err := st.SaveConversation(account, ask, answer); err != nil {
			logger.Warn("conversation save failed", zap.Error(err))
		}
	})

	gw := gateway.New(cfg, gateway.Deps{
		Tokens:     asrTokens,
		Executor:   executor,
		Transcoder: transcoder,
		Params:     params,
		History:    history,
	}, logger)

	iotTokens := token.NewOAuthProvider(cfg.IoTTokenURL, cfg.TokenAPIKey, cfg.TokenSecret, logger)
	actions := iot.NewSender(cfg.IoTURL, iotTokens, logger)

	handlers := api.NewHandlers(st, params, actions, logger)
	router := handlers.Router(gw.HandleAudio, commandRelay.HandleWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	gw.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
