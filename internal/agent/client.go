// Package agent executes one conversational turn against the external agent
// provider: transcript in, reply text plus an optional reply-audio URL out.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/ingest"
	"github.com/robolink/voice-gateway/internal/settings"
)

const maxAudioBytes = 20 << 20 // cap on a fetched reply-audio payload

// TurnResult is the outcome of one conversational turn.
type TurnResult struct {
	Text     string
	AudioURL string
}

// Config describes the agent provider endpoint.
type Config struct {
	BaseURL string
	Token   string
	BotID   string
	UserID  string
	Stream  bool
	Timeout time.Duration
}

// Client calls the agent provider over HTTP, parsing either a streamed SSE
// response or a plain JSON body.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger

	// validateURL guards reply-audio fetches; overridable in tests.
	validateURL func(string) error
}

// NewClient creates an agent client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserID == "" {
		cfg.UserID = "gateway"
	}
	return &Client{
		cfg:         cfg,
		httpc:       &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		validateURL: ingest.ValidateURL,
	}
}

// Streamed event kinds. The provider emits the full reply twice: once as
// incremental delta events and once more as completed full-message events.
// Only the deltas are consumed; the completed kinds are skipped so content is
// not duplicated.
const (
	eventMessageDelta     = "conversation.message.delta"
	eventMessageCompleted = "conversation.message.completed"
	eventChatCompleted    = "conversation.chat.completed"
	eventChatFailed       = "conversation.chat.failed"
)

type chatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
	AdditionalMessages []chatMessage `json:"additional_messages"`
}

type chatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type turnContent struct {
	Input      string  `json:"input"`
	VoiceID    string  `json:"voice_id"`
	SpeedRatio float64 `json:"speed_ratio"`
}

// streamEvent is one parsed SSE data payload. Newer provider versions nest the
// message; older ones put content at the root.
type streamEvent struct {
	Message *eventMessage `json:"message"`
	Role    string        `json:"role"`
	Type    string        `json:"type"`
	Content string        `json:"content"`
}

type eventMessage struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type apiEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Role    string `json:"role"`
		Type    string `json:"type"`
		Content string `json:"content"`
	} `json:"data"`
}

// Execute runs one turn: transcript plus voice hints in, reply out. A nonzero
// business code in an otherwise-200 response is a failure.
func (c *Client) Execute(ctx context.Context, transcript string, params settings.VoiceParams) (*TurnResult, error) {
	content, err := json.Marshal(turnContent{
		Input:      transcript,
		VoiceID:    params.VoiceID,
		SpeedRatio: params.SpeedRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal turn content: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		BotID:           c.cfg.BotID,
		UserID:          c.cfg.UserID,
		Stream:          c.cfg.Stream,
		AutoSaveHistory: true,
		AdditionalMessages: []chatMessage{{
			Role:        "user",
			Content:     string(content),
			ContentType: "text",
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v3/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned HTTP %d", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.parseStream(resp.Body)
	}
	return c.parseJSON(resp.Body)
}

// parseStream reconstructs the reply from incremental delta events, keeping
// track of which event kind is currently open and resetting it at each event
// boundary.
func (c *Client) parseStream(body io.Reader) (*TurnResult, error) {
	res := &TurnResult{}
	var text strings.Builder

	events := newSSEReader(body)
	for {
		name, payload, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read agent stream: %w", err)
		}

		switch name {
		case eventMessageCompleted, eventChatCompleted:
			continue
		case eventChatFailed:
			return nil, errors.New("agent reported chat failure")
		}

		var ev streamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			// Non-JSON payloads (provider keep-alives) are ignored.
			continue
		}

		role, kind, content := ev.Role, ev.Type, ev.Content
		if ev.Message != nil {
			role, kind, content = ev.Message.Role, ev.Message.Type, ev.Message.Content
		}
		if kind == "" {
			kind = "answer"
		}
		if role != "" && role != "assistant" {
			continue
		}
		if kind != "answer" || content == "" {
			continue
		}

		if isAudioURL(content) {
			if res.AudioURL == "" {
				res.AudioURL = content
			}
			continue
		}
		text.WriteString(content)
	}

	res.Text = strings.TrimSpace(text.String())
	return res, nil
}

func (c *Client) parseJSON(body io.Reader) (*TurnResult, error) {
	var env apiEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("agent business error %d: %s", env.Code, env.Msg)
	}

	res := &TurnResult{}
	var text strings.Builder
	for _, item := range env.Data {
		if item.Role != "assistant" || item.Type != "answer" {
			continue
		}
		if isAudioURL(item.Content) {
			if res.AudioURL == "" {
				res.AudioURL = item.Content
			}
			continue
		}
		text.WriteString(item.Content)
	}
	res.Text = strings.TrimSpace(text.String())
	return res, nil
}

// FetchAudio downloads the reply audio in full. The URL comes from the
// provider response, so it is validated before fetching.
func (c *Client) FetchAudio(ctx context.Context, audioURL string) ([]byte, error) {
	if c.validateURL != nil {
		if err := c.validateURL(audioURL); err != nil {
			return nil, fmt.Errorf("reply audio url rejected: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reply audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reply audio fetch returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read reply audio: %w", err)
	}
	if len(data) > maxAudioBytes {
		return nil, fmt.Errorf("reply audio exceeds %d bytes", maxAudioBytes)
	}

	c.logger.Info("reply audio fetched", zap.Int("bytes", len(data)))
	return data, nil
}

func isAudioURL(content string) bool {
	return strings.HasPrefix(content, "https://") &&
		(strings.Contains(content, ".mp3") || strings.Contains(content, ".wav"))
}
