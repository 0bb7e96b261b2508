// Package gateway owns the device-facing WebSocket endpoint and the registry
// of live voice sessions.
package gateway

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/asr"
	"github.com/robolink/voice-gateway/internal/config"
	"github.com/robolink/voice-gateway/internal/metrics"
	"github.com/robolink/voice-gateway/internal/session"
	"github.com/robolink/voice-gateway/internal/settings"
	"github.com/robolink/voice-gateway/internal/token"
)

// Deps are the shared collaborators wired into every session.
type Deps struct {
	Tokens     token.Provider
	Executor   session.TurnExecutor
	Transcoder session.Transcoder
	Params     *settings.Params
	History    session.HistorySink
}

// Gateway accepts device connections and manages one session per connection.
type Gateway struct {
	cfg      *config.Config
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a gateway.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Embedded devices do not send browser origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Session),
	}
}

// SessionCount returns the number of live sessions.
func (gw *Gateway) SessionCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.sessions)
}

// HandleAudio upgrades a device connection and runs its read loop until the
// transport closes or errors. One goroutine per connection; turn execution
// runs on its own goroutine inside the session so this loop never blocks on
// provider calls.
func (gw *Gateway) HandleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warn("audio upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	logger := gw.logger.With(zap.String("session", id))

	sess, err := session.New(id, session.Config{
		HeartbeatInterval: gw.cfg.HeartbeatInterval,
		KeepAliveInterval: gw.cfg.KeepAliveInterval,
		KeepAliveGap:      gw.cfg.KeepAliveGap,
		PaceInterval:      gw.cfg.PaceInterval,
		FallbackIdleDelay: gw.cfg.FallbackIdleDelay,
		TurnTimeout:       gw.cfg.TurnTimeout,
	}, session.Deps{
		Transport:     newWSTransport(conn),
		NewRecognizer: gw.newRecognizer(logger),
		Executor:      gw.deps.Executor,
		Transcoder:    gw.deps.Transcoder,
		Tokens:        gw.deps.Tokens,
		Params:        gw.deps.Params,
		History:       gw.deps.History,
		Logger:        gw.logger,
	})
	if err != nil {
		logger.Error("session init failed", zap.Error(err))
		conn.Close()
		return
	}
	if err := sess.Start(); err != nil {
		logger.Error("session start failed", zap.Error(err))
		sess.Close()
		return
	}

	gw.mu.Lock()
	gw.sessions[id] = sess
	gw.mu.Unlock()
	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Inc()
	logger.Info("device connected")

	defer gw.remove(id)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info("device read loop ended", zap.Error(err))
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			sess.HandleFrame(msg)
		case websocket.TextMessage:
			logger.Debug("device control message", zap.ByteString("msg", msg))
		}
	}
}

func (gw *Gateway) newRecognizer(logger *zap.Logger) session.RecognizerFactory {
	return func() session.Recognizer {
		return asr.New(asr.Config{
			URL:        gw.cfg.ASRURL,
			AppID:      gw.cfg.ASRAppID,
			AppKey:     gw.cfg.ASRAppKey,
			DevPID:     gw.cfg.ASRDevPID,
			CUID:       gw.cfg.ASRCUID,
			SampleRate: 16000,
			Heartbeat:  gw.cfg.ASRHeartbeat,
		}, logger)
	}
}

// remove tears down one session and drops it from the registry.
func (gw *Gateway) remove(id string) {
	gw.mu.Lock()
	sess, ok := gw.sessions[id]
	if ok {
		delete(gw.sessions, id)
	}
	gw.mu.Unlock()

	if ok {
		sess.Close()
		metrics.ActiveSessions.Dec()
		gw.logger.Info("session removed", zap.String("session", id))
	}
}

// Shutdown stops all live sessions.
func (gw *Gateway) Shutdown() {
	gw.mu.Lock()
	sessions := gw.sessions
	gw.sessions = make(map[string]*session.Session)
	gw.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	metrics.ActiveSessions.Set(0)
	gw.logger.Info("gateway shutdown complete")
}
