// Package engine implements the bidirectional session engine: it turns many
// push-driven producers (caller audio, configuration, tool results) into one
// ordered outbound event stream per conversation, and demultiplexes the
// remote service's asynchronous response stream back into typed callbacks.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
	"github.com/parlance-ai/sonicbridge/pkg/tools"
	"github.com/parlance-ai/sonicbridge/pkg/transport"
)

// Notification event names. The set is closed; EventAny additionally
// receives every emission as {type, data}.
const (
	EventContentStart   = "contentStart"
	EventTextOutput     = "textOutput"
	EventAudioOutput    = "audioOutput"
	EventToolUse        = "toolUse"
	EventToolEnd        = "toolEnd"
	EventToolResult     = "toolResult"
	EventContentEnd     = "contentEnd"
	EventStreamComplete = "streamComplete"
	EventError          = "error"
	EventAny            = "any"
)

// Handler receives one notification payload. Handlers run on the session's
// demultiplexer goroutine; a panic is recovered and logged without aborting
// the stream.
type Handler func(data any)

// Dependencies are the engine's required collaborators.
type Dependencies struct {
	Logger    *slog.Logger
	Transport transport.Duplex
	Tools     *tools.Registry
}

// Config tunes teardown pacing and tool execution.
type Config struct {
	Inference sonic.InferenceConfig

	// Settle delays give the remote service time to flush output after each
	// teardown envelope. The duplex channel carries no step acknowledgment,
	// so these are empirically required grace periods.
	SettleContentEnd time.Duration
	SettlePromptEnd  time.Duration
	SettleSessionEnd time.Duration

	ToolTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.Inference == (sonic.InferenceConfig{}) {
		c.Inference = sonic.DefaultInferenceConfig()
	}
	if c.SettleContentEnd == 0 {
		c.SettleContentEnd = 500 * time.Millisecond
	}
	if c.SettlePromptEnd == 0 {
		c.SettlePromptEnd = 300 * time.Millisecond
	}
	if c.SettleSessionEnd == 0 {
		c.SettleSessionEnd = 300 * time.Millisecond
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 30 * time.Second
	}
}

// session is the mutable record of one conversation. It is owned by the
// engine; handles reach it only through engine calls.
type session struct {
	id             string
	promptName     string
	audioContentID string
	queue          *eventQueue

	mu              sync.Mutex
	active          bool
	promptStartSent bool
	audioStartSent  bool
	lastActivity    time.Time
	pendingToolUse  *sonic.ToolUsePayload
	handlers        map[string]Handler
}

func (s *session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deactivate flips active off and fires the close signal. Returns false when
// the session was already inactive.
func (s *session) deactivate() bool {
	s.mu.Lock()
	was := s.active
	s.active = false
	s.mu.Unlock()
	s.queue.close()
	return was
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Engine owns the session records and drives every duplex exchange.
type Engine struct {
	logger    *slog.Logger
	transport transport.Duplex
	tools     *tools.Registry
	cfg       Config

	mu       sync.RWMutex
	sessions map[string]*session
	cleanups map[string]struct{}
}

func New(deps Dependencies, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	cfg.fillDefaults()
	return &Engine{
		logger:    deps.Logger,
		transport: deps.Transport,
		tools:     deps.Tools,
		cfg:       cfg,
		sessions:  make(map[string]*session),
		cleanups:  make(map[string]struct{}),
	}
}

// CreateSession allocates a session record with fresh correlation tokens and
// returns its handle. An empty id gets a generated one. Reusing a live id
// fails; the original record is untouched.
func (e *Engine) CreateSession(id string) (*Handle, error) {
	id = normalizeID(id)
	if id == "" {
		id = uuid.NewString()
	}

	sess := &session{
		id:             id,
		promptName:     uuid.NewString(),
		audioContentID: uuid.NewString(),
		queue:          newEventQueue(),
		active:         true,
		lastActivity:   time.Now(),
		handlers:       make(map[string]Handler),
	}

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return nil, NewDuplicateSessionError(id)
	}
	e.sessions[id] = sess
	e.mu.Unlock()

	e.logger.Info("session created", "session", id)
	return newHandle(e, id), nil
}

func (e *Engine) lookup(id string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[normalizeID(id)]
}

// Start begins the duplex exchange for a session and blocks until its
// response stream ends. Callers run it on its own goroutine; it never blocks
// other sessions' enqueue or demultiplex work. A failure dispatches an error
// notification and, if the session is still live, tears it down.
func (e *Engine) Start(ctx context.Context, id string) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}

	sess.queue.push(sonic.SessionStart(e.cfg.Inference))

	frames, err := e.transport.Open(ctx, &outboundSource{sess: sess})
	if err != nil {
		e.logger.Error("session stream open failed", "session", sess.id, "err", err)
		e.dispatch(sess, EventError, map[string]any{
			"source":  "open",
			"type":    "connectionError",
			"message": err.Error(),
		})
		if sess.isActive() {
			e.CloseGraceful(ctx, sess.id)
		}
		return err
	}

	e.demux(ctx, sess, frames)
	return nil
}

// Enqueue appends an envelope to the session's outbound queue. A missing or
// inactive session is a silent drop, not an error, so in-flight producers do
// not need to race-check liveness.
func (e *Engine) Enqueue(id string, env sonic.Envelope) {
	sess := e.lookup(id)
	if sess == nil || !sess.isActive() {
		return
	}
	if sess.queue.push(env) {
		sess.touch()
	}
}

func (e *Engine) enqueueAll(sess *session, envs []sonic.Envelope) {
	for _, env := range envs {
		if !sess.isActive() {
			return
		}
		sess.queue.push(env)
	}
	sess.touch()
}

// RegisterHandler installs the callback for one event type; re-registration
// replaces. EventAny receives every emission.
func (e *Engine) RegisterHandler(id, eventType string, cb Handler) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}
	sess.mu.Lock()
	sess.handlers[eventType] = cb
	sess.mu.Unlock()
	return nil
}

// SetupPromptStart enqueues the promptStart envelope carrying the full tool
// manifest. voiceID overrides the default synthesis voice when non-empty.
func (e *Engine) SetupPromptStart(id, voiceID string) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}
	if !sess.isActive() {
		return NewSessionInactiveError(id)
	}

	audioOut := sonic.DefaultAudioOutputConfig()
	if voiceID != "" {
		audioOut.VoiceID = voiceID
	}
	sess.queue.push(sonic.PromptStart(sess.promptName, audioOut, e.tools.Manifest()))
	sess.mu.Lock()
	sess.promptStartSent = true
	sess.lastActivity = time.Now()
	sess.mu.Unlock()
	return nil
}

// SetupSystemPrompt enqueues the three-envelope system prompt sequence with
// a fresh content id.
func (e *Engine) SetupSystemPrompt(id, content string) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}
	if !sess.isActive() {
		return NewSessionInactiveError(id)
	}
	if content == "" {
		content = sonic.DefaultSystemPrompt
	}
	e.enqueueAll(sess, sonic.SystemPrompt(sess.promptName, uuid.NewString(), sonic.DefaultTextConfig(), content))
	return nil
}

// SetupStartAudio opens the caller's audio content stream.
func (e *Engine) SetupStartAudio(id string) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}
	if !sess.isActive() {
		return NewSessionInactiveError(id)
	}
	sess.queue.push(sonic.AudioContentStart(sess.promptName, sess.audioContentID, sonic.DefaultAudioInputConfig()))
	sess.mu.Lock()
	sess.audioStartSent = true
	sess.lastActivity = time.Now()
	sess.mu.Unlock()
	return nil
}

// StreamAudioChunk enqueues one chunk of raw PCM as an audioInput envelope.
func (e *Engine) StreamAudioChunk(id string, pcm []byte) error {
	sess := e.lookup(id)
	if sess == nil {
		return NewSessionNotFoundError(id)
	}
	if !sess.isActive() {
		return NewSessionInactiveError(id)
	}
	if sess.queue.push(sonic.AudioInput(sess.promptName, sess.audioContentID, pcm)) {
		sess.touch()
	}
	return nil
}

// SendContentEnd closes the audio content block and waits the settle delay.
// Skipped when audio was never started or the session is already gone.
func (e *Engine) SendContentEnd(ctx context.Context, id string) {
	sess := e.lookup(id)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	send := sess.active && sess.audioStartSent
	sess.mu.Unlock()
	if !send {
		return
	}
	sess.queue.push(sonic.ContentEnd(sess.promptName, sess.audioContentID))
	settle(ctx, e.cfg.SettleContentEnd)
}

// SendPromptEnd closes the prompt and waits the settle delay.
func (e *Engine) SendPromptEnd(ctx context.Context, id string) {
	sess := e.lookup(id)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	send := sess.active && sess.promptStartSent
	sess.mu.Unlock()
	if !send {
		return
	}
	sess.queue.push(sonic.PromptEnd(sess.promptName))
	settle(ctx, e.cfg.SettlePromptEnd)
}

// SendSessionEnd enqueues the final envelope, waits the settle delay, then
// deactivates and removes the record.
func (e *Engine) SendSessionEnd(ctx context.Context, id string) {
	sess := e.lookup(id)
	if sess == nil || !sess.isActive() {
		return
	}
	sess.queue.push(sonic.SessionEnd())
	settle(ctx, e.cfg.SettleSessionEnd)

	sess.deactivate()
	e.remove(sess.id)
	e.logger.Info("session closed", "session", sess.id)
}

// CloseGraceful runs the three-step teardown: content-end, prompt-end,
// session-end, each followed by its settle delay. Idempotent: a concurrent
// second call observes the in-progress flag and returns immediately.
func (e *Engine) CloseGraceful(ctx context.Context, id string) {
	id = normalizeID(id)

	e.mu.Lock()
	if _, inProgress := e.cleanups[id]; inProgress {
		e.mu.Unlock()
		return
	}
	if _, exists := e.sessions[id]; !exists {
		e.mu.Unlock()
		return
	}
	e.cleanups[id] = struct{}{}
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("teardown failed, forcing local cleanup", "session", id, "err", r)
			e.CloseForced(id)
		}
		e.mu.Lock()
		delete(e.cleanups, id)
		e.mu.Unlock()
	}()

	e.SendContentEnd(ctx, id)
	e.SendPromptEnd(ctx, id)
	e.SendSessionEnd(ctx, id)
}

// CloseForced synchronously marks the session inactive, fires the close
// signal, and removes the record, skipping the teardown handshake. Used for
// abrupt disconnects and idle timeouts; reachable from any teardown state.
func (e *Engine) CloseForced(id string) {
	sess := e.lookup(id)
	if sess == nil {
		return
	}
	sess.deactivate()
	e.remove(sess.id)
	e.logger.Info("session force closed", "session", sess.id)
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// IsActive reports whether the session exists and has not begun teardown.
func (e *Engine) IsActive(id string) bool {
	sess := e.lookup(id)
	return sess != nil && sess.isActive()
}

// ListActive returns the ids of all live sessions.
func (e *Engine) ListActive() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id, sess := range e.sessions {
		if sess.isActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastActivity returns the session's last traffic timestamp for the caller's
// idle-eviction policy.
func (e *Engine) LastActivity(id string) (time.Time, bool) {
	sess := e.lookup(id)
	if sess == nil {
		return time.Time{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastActivity, true
}

// settle waits the grace period, cut short only by context cancellation.
func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
