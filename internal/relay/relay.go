// Package relay pairs a controller client with a device client and forwards
// opaque text commands between them. One pair per process.
package relay

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/store"
)

const (
	roleApp    = "app"
	roleDevice = "device"
)

// ErrNoDevice is returned by SendToDevice when no device peer is connected.
var ErrNoDevice = errors.New("relay: no device online")

// CommandStore is the subset of the persistence layer the relay needs.
type CommandStore interface {
	ListCommands(account string) ([]store.Command, error)
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Relay is the command forwarding hub.
type Relay struct {
	store    CommandStore
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	app      *peer
	device   *peer
	account  string
	commands []store.Command
}

// New creates a relay.
func New(cs CommandStore, logger *zap.Logger) *Relay {
	return &Relay{
		store:  cs,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// CurrentAccount returns the account bound by the controller client, or ""
// when no controller is connected.
func (r *Relay) CurrentAccount() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.account
}

// HandleWS upgrades a command connection. The first message must be a bind
// of the form "role=app&account=X" or "role=device"; everything after is
// forwarded verbatim to the opposite peer.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("command upgrade failed", zap.Error(err))
		return
	}
	p := &peer{conn: conn}
	defer r.unbind(p)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		text := strings.TrimSpace(string(msg))

		if strings.HasPrefix(text, "role=") {
			r.bind(p, text)
			continue
		}
		r.forward(p, text)
	}
}

func (r *Relay) bind(p *peer, msg string) {
	values, err := url.ParseQuery(msg)
	if err != nil {
		r.logger.Warn("invalid bind message", zap.String("msg", msg))
		return
	}

	switch values.Get("role") {
	case roleApp:
		account := values.Get("account")
		r.mu.Lock()
		r.app = p
		r.account = account
		r.mu.Unlock()
		if account != "" {
			r.loadCommands(account)
		} else {
			r.logger.Warn("controller bound without account")
		}
		r.logger.Info("controller bound", zap.String("account", account))

	case roleDevice:
		r.mu.Lock()
		r.device = p
		r.mu.Unlock()
		r.logger.Info("device bound")

	default:
		r.logger.Warn("unknown bind role", zap.String("msg", msg))
	}
}

func (r *Relay) loadCommands(account string) {
	cmds, err := r.store.ListCommands(account)
	if err != nil {
		r.logger.Warn("command list load failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.commands = cmds
	r.mu.Unlock()
	r.logger.Info("command list loaded",
		zap.String("account", account), zap.Int("count", len(cmds)))
}

func (r *Relay) forward(from *peer, msg string) {
	r.mu.RLock()
	app, device := r.app, r.device
	r.mu.RUnlock()

	var target *peer
	switch from {
	case app:
		target = device
	case device:
		target = app
	default:
		r.logger.Warn("message from unbound peer dropped")
		return
	}

	if target == nil {
		r.logger.Warn("no peer online, dropping command", zap.String("msg", msg))
		return
	}
	if err := target.send(msg); err != nil {
		r.logger.Warn("command forward failed", zap.Error(err))
	}
}

// SendToDevice pushes a server-originated command to the device peer.
func (r *Relay) SendToDevice(msg string) error {
	r.mu.RLock()
	device := r.device
	r.mu.RUnlock()
	if device == nil {
		return ErrNoDevice
	}
	return device.send(msg)
}

func (r *Relay) unbind(p *peer) {
	p.conn.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == p {
		r.app = nil
		r.account = ""
		r.commands = nil
		r.logger.Info("controller disconnected")
	}
	if r.device == p {
		r.device = nil
		r.logger.Info("device disconnected")
	}
}
