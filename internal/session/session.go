// Package session implements the per-connection voice orchestrator: it feeds
// inbound device audio to the recognition client, arbitrates the busy/idle
// gate, runs conversational turns, and keeps both the device transport and
// the recognition stream alive.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/agent"
	"github.com/robolink/voice-gateway/internal/audio"
	"github.com/robolink/voice-gateway/internal/metrics"
	"github.com/robolink/voice-gateway/internal/settings"
)

// Transport is the outbound half of the device connection. Owned exclusively
// by one session; implementations must be safe for concurrent writes.
type Transport interface {
	WriteText(msg []byte) error
	WriteBinary(frame []byte) error
	Ping() error
	Close() error
}

// Recognizer is a streaming recognition client instance. At most one is
// active per session; on failure the session replaces it wholesale.
type Recognizer interface {
	Start(ctx context.Context, token string) error
	Push(pcm []byte) error
	Transcripts() <-chan string
	Stop()
}

// RecognizerFactory constructs a fresh recognizer instance for initial
// startup and for recovery.
type RecognizerFactory func() Recognizer

// TurnExecutor runs one conversational turn and fetches reply audio.
type TurnExecutor interface {
	Execute(ctx context.Context, transcript string, params settings.VoiceParams) (*agent.TurnResult, error)
	FetchAudio(ctx context.Context, url string) ([]byte, error)
}

// Transcoder converts fetched reply audio into PCM s16le 16kHz mono.
type Transcoder interface {
	ToPCM(ctx context.Context, in []byte) ([]byte, error)
}

// TokenSource supplies recognition provider tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HistorySink records a completed turn. Best-effort; errors are logged only.
type HistorySink func(ask, answer string)

// Config holds the session timing knobs.
type Config struct {
	HeartbeatInterval time.Duration // transport ping cadence
	KeepAliveInterval time.Duration // recognizer silence-padding check cadence
	KeepAliveGap      time.Duration // silence gap that triggers padding
	FrameDuration     time.Duration // playback duration of one outbound frame
	PaceInterval      time.Duration // delay between outbound frame sends
	FallbackIdleDelay time.Duration // unlock delay for turns with no audio
	TurnTimeout       time.Duration // upper bound on one turn's provider calls
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 500 * time.Millisecond
	}
	if c.KeepAliveGap == 0 {
		c.KeepAliveGap = 800 * time.Millisecond
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = audio.FrameDuration
	}
	if c.PaceInterval == 0 {
		c.PaceInterval = 50 * time.Millisecond
	}
	if c.FallbackIdleDelay == 0 {
		c.FallbackIdleDelay = 2 * time.Second
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a session needs.
type Deps struct {
	Transport     Transport
	NewRecognizer RecognizerFactory
	Executor      TurnExecutor
	Transcoder    Transcoder
	Tokens        TokenSource
	Params        *settings.Params
	History       HistorySink
	Logger        *zap.Logger
}

type recognizerSlot struct {
	r Recognizer
}

// Session orchestrates one device connection. The inbound read path, the
// liveness timers, and the turn goroutine coordinate through the busy flag
// and the atomically swapped recognizer slot only.
type Session struct {
	ID  string
	cfg Config

	transport     Transport
	newRecognizer RecognizerFactory
	executor      TurnExecutor
	transcoder    Transcoder
	tokens        TokenSource
	params        *settings.Params
	history       HistorySink
	logger        *zap.Logger

	decoder *audio.Decoder
	encoder *audio.Encoder

	busy        atomic.Bool
	rec         atomic.Pointer[recognizerSlot]
	recovering  atomic.Bool
	lastForward atomic.Int64 // unix nanos of the last audio pushed to the recognizer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a session. Start must be called before frames are handled.
func New(id string, cfg Config, deps Deps) (*Session, error) {
	dec, err := audio.NewDecoder()
	if err != nil {
		return nil, err
	}
	enc, err := audio.NewEncoder()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:            id,
		cfg:           cfg.withDefaults(),
		transport:     deps.Transport,
		newRecognizer: deps.NewRecognizer,
		executor:      deps.Executor,
		transcoder:    deps.Transcoder,
		tokens:        deps.Tokens,
		params:        deps.Params,
		history:       deps.History,
		logger:        deps.Logger.With(zap.String("session", id)),
		decoder:       dec,
		encoder:       enc,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start brings up the recognition client and the liveness timers.
func (s *Session) Start() error {
	tok, err := s.tokens.Token(s.ctx)
	if err != nil {
		return err
	}

	r := s.newRecognizer()
	if err := r.Start(s.ctx, tok); err != nil {
		return err
	}
	s.rec.Store(&recognizerSlot{r: r})
	s.lastForward.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.pumpTranscripts(r)
	go s.livenessLoop()

	s.logger.Info("session started")
	return nil
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// HandleFrame processes one inbound compressed audio frame from the device.
// While a turn is in flight, real device audio is replaced with silence so
// the recognition stream stays alive without mixing playback-echo into the
// next utterance; the device audio itself is dropped, not buffered.
func (s *Session) HandleFrame(frame []byte) {
	pcm, err := s.decoder.Decode(frame)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		s.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if s.busy.Load() {
		pcm = audio.SilencePCM()
	}
	s.forward(pcm)
}

// forward pushes PCM to the current recognizer, triggering recovery on a
// send failure. Audio that arrives while no recognizer is live is dropped.
func (s *Session) forward(pcm []byte) {
	slot := s.rec.Load()
	if slot == nil {
		return
	}
	if err := slot.r.Push(pcm); err != nil {
		go s.recoverRecognizer()
		return
	}
	s.lastForward.Store(time.Now().UnixNano())
}

// recoverRecognizer replaces a failed recognition client with a fresh one.
// Single-flight: concurrent triggers collapse into one recovery cycle. The
// busy flag is untouched; a turn in flight keeps running.
func (s *Session) recoverRecognizer() {
	if !s.recovering.CompareAndSwap(false, true) {
		return
	}
	defer s.recovering.Store(false)

	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("recognizer failed, replacing instance")

	if slot := s.rec.Load(); slot != nil {
		slot.r.Stop()
	}

	tok, err := s.tokens.Token(s.ctx)
	if err != nil {
		s.logger.Error("recovery token fetch failed", zap.Error(err))
		return
	}

	fresh := s.newRecognizer()
	if err := fresh.Start(s.ctx, tok); err != nil {
		s.logger.Error("recovery start failed", zap.Error(err))
		return
	}

	s.rec.Store(&recognizerSlot{r: fresh})
	s.lastForward.Store(time.Now().UnixNano())

	s.wg.Add(1)
	go s.pumpTranscripts(fresh)

	metrics.RecognizerRecoveriesTotal.Inc()
	s.logger.Info("recognizer replaced")
}

// pumpTranscripts forwards one recognizer instance's transcripts into the
// turn acceptance path. Exits when that instance's channel closes (Stop) so
// swapped-out instances never leak a goroutine.
func (s *Session) pumpTranscripts(r Recognizer) {
	defer s.wg.Done()
	for text := range r.Transcripts() {
		s.acceptTranscript(text)
	}
}

// acceptTranscript applies the busy gate: the idle→busy transition happens
// here and nowhere else. Transcripts arriving while busy are discarded by
// policy, not queued.
func (s *Session) acceptTranscript(text string) {
	if text == "" {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		metrics.TranscriptsDiscardedTotal.Inc()
		s.logger.Info("discarding transcript while busy", zap.String("text", text))
		return
	}
	s.logger.Info("transcript accepted", zap.String("text", text))

	s.wg.Add(1)
	go s.runTurn(text)
}

// livenessLoop runs the two per-session timers: the transport heartbeat and
// the recognizer keep-alive padding. Both stop together when the session
// context is cancelled.
func (s *Session) livenessLoop() {
	defer s.wg.Done()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer heartbeat.Stop()
	defer keepAlive.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-heartbeat.C:
			if err := s.transport.Ping(); err != nil {
				s.logger.Info("heartbeat failed, tearing down", zap.Error(err))
				go s.Close()
				return
			}

		case <-keepAlive.C:
			gap := time.Since(time.Unix(0, s.lastForward.Load()))
			if gap > s.cfg.KeepAliveGap {
				s.forward(audio.SilencePCM())
				metrics.KeepAliveFramesTotal.Inc()
			}
		}
	}
}

// Close tears the session down: cancels the turn and timers, stops the
// recognition client, and releases the transport. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if slot := s.rec.Load(); slot != nil {
			slot.r.Stop()
		}
		s.transport.Close()
		s.logger.Info("session closed")
	})
}

// Wait blocks until all session goroutines have exited. Intended for tests
// and graceful shutdown.
func (s *Session) Wait() {
	s.wg.Wait()
}
