// Package asr maintains a live WebSocket session to the streaming
// speech-recognition provider and surfaces finalized transcripts.
package asr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle state of a recognition client.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateActive
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrNotActive is returned by Push when the client has no live session.
var ErrNotActive = errors.New("asr: client not active")

// Config describes the recognition provider connection.
type Config struct {
	URL        string // base WS URL, token and serial are appended as query params
	AppID      int
	AppKey     string
	DevPID     int
	CUID       string
	SampleRate int
	Heartbeat  time.Duration // provider-level heartbeat cadence
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 3 * time.Second
	}
	return c
}

// Provider wire messages.
type startMessage struct {
	Type string    `json:"type"`
	Data startData `json:"data"`
}

type startData struct {
	AppID  int    `json:"appid"`
	AppKey string `json:"appkey"`
	DevPID int    `json:"dev_pid"`
	CUID   string `json:"cuid"`
	Format string `json:"format"`
	Sample int    `json:"sample"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// event is one provider result message. FIN_TEXT carries a finalized
// utterance; HEARTBEAT is the provider echoing our keep-alive.
type event struct {
	Type   string `json:"type"`
	Result string `json:"result"`
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
}

const (
	eventHeartbeat = "HEARTBEAT"
	eventFinal     = "FIN_TEXT"
)

// Client is a streaming recognition session. One instance serves one device
// session at a time; the orchestrator replaces a failed instance wholesale
// instead of reusing it.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serializes WriteMessage between Push and heartbeat
	state   State
	token   string
	conn    *websocket.Conn
	done    chan struct{} // closed when the current connection is torn down

	transcripts chan string
	closedOnce  sync.Once
}

// New creates a client in the Uninitialized state.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		transcripts: make(chan string, 4),
	}
}

// Transcripts delivers finalized utterances in speech order. The channel is
// closed when the client is stopped.
func (c *Client) Transcripts() <-chan string {
	return c.transcripts
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start establishes the provider session. Calling Start again with the same
// token on an active client is a no-op; a changed token tears down the live
// connection and dials a fresh one, since the provider binds the token at
// handshake time.
func (c *Client) Start(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return errors.New("asr: client stopped")
	}
	if c.state == StateActive {
		if token == c.token {
			return nil
		}
		c.logger.Info("asr token changed, recreating provider connection")
		c.teardownLocked()
	}
	c.state = StateStarting

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("parse asr url: %w", err)
	}
	q := u.Query()
	q.Set("sn", uuid.New().String())
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("dial asr provider: %w", err)
	}

	start := startMessage{
		Type: "START",
		Data: startData{
			AppID:  c.cfg.AppID,
			AppKey: c.cfg.AppKey,
			DevPID: c.cfg.DevPID,
			CUID:   c.cfg.CUID,
			Format: "pcm",
			Sample: c.cfg.SampleRate,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		c.state = StateFailed
		return fmt.Errorf("send asr start: %w", err)
	}

	c.conn = conn
	c.token = token
	c.done = make(chan struct{})
	c.state = StateActive

	go c.readLoop(conn, c.done)
	go c.heartbeatLoop(conn, c.done)

	c.logger.Info("asr session started")
	return nil
}

// Push forwards one PCM chunk to the provider. Valid only while Active; a
// transport failure marks the client Failed and returns the error so the
// orchestrator can run recovery.
func (c *Client) Push(pcm []byte) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, pcm)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("asr push: %w", err))
		return err
	}
	return nil
}

// Stop transitions to Stopped and releases all resources. Safe to call any
// number of times.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.writeMu.Lock()
		// Best-effort: let the provider flush any pending final result.
		c.conn.WriteJSON(controlMessage{Type: "FINISH"})
		c.writeMu.Unlock()
	}
	c.teardownLocked()
	c.state = StateStopped
	c.mu.Unlock()

	c.closedOnce.Do(func() { close(c.transcripts) })
	c.logger.Info("asr session stopped")
}

// teardownLocked closes the current connection and its goroutines.
// Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		c.done = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	c.logger.Warn("asr transport failure", zap.Error(err))
	c.teardownLocked()
	c.state = StateFailed
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case <-done:
			default:
				c.fail(fmt.Errorf("asr read: %w", err))
			}
			return
		}

		switch {
		case ev.Type == eventHeartbeat:
			// Provider echo, nothing to do.
		case ev.Type == eventFinal && ev.Result != "":
			select {
			case c.transcripts <- ev.Result:
			default:
				c.logger.Warn("transcript channel full, dropping result",
					zap.String("text", ev.Result))
			}
		case ev.ErrNo != 0:
			c.logger.Warn("asr provider error",
				zap.Int("errNo", ev.ErrNo),
				zap.String("errMsg", ev.ErrMsg))
		}
	}
}

// heartbeatLoop keeps the provider session from idling out between utterances.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteJSON(controlMessage{Type: "HEARTBEAT"})
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
