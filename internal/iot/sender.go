// Package iot delivers motion commands to the device through the IoT
// messaging platform.
package iot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/token"
)

// Sender posts command messages to the IoT platform. A failed send refreshes
// the token and retries exactly once.
type Sender struct {
	endpoint string
	tokens   token.Provider
	httpc    *http.Client
	logger   *zap.Logger
}

// NewSender creates a sender for the given platform endpoint.
func NewSender(endpoint string, tokens token.Provider, logger *zap.Logger) *Sender {
	return &Sender{
		endpoint: endpoint,
		tokens:   tokens,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type commandBody struct {
	Message string `json:"message"`
}

// Send delivers one command string to the device.
func (s *Sender) Send(ctx context.Context, message string) error {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("iot token: %w", err)
	}

	err = s.post(ctx, tok, message)
	if err == nil {
		return nil
	}
	s.logger.Warn("iot send failed, refreshing token and retrying", zap.Error(err))

	tok, err = s.tokens.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("iot token refresh: %w", err)
	}
	if err := s.post(ctx, tok, message); err != nil {
		return fmt.Errorf("iot send after refresh: %w", err)
	}
	return nil
}

func (s *Sender) post(ctx context.Context, tok, message string) error {
	body, _ := json.Marshal(commandBody{Message: message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("iot platform returned HTTP %d", resp.StatusCode)
	}
	s.logger.Info("iot command sent", zap.String("message", message))
	return nil
}
