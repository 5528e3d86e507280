// Package server exposes the session engine to callers over WebSocket: one
// connection per conversation, JSON signaling inbound, engine notifications
// fanned back out as {type, data} events.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlance-ai/sonicbridge/pkg/engine"
)

type Config struct {
	Addr string

	ReadLimit       int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	DisconnectGrace time.Duration
}

func (c *Config) fillDefaults() {
	if c.Addr == "" {
		c.Addr = ":3001"
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = 3 * time.Second
	}
}

type Dependencies struct {
	Logger *slog.Logger
	Engine *engine.Engine
}

// Server accepts caller connections and bridges them onto engine sessions.
type Server struct {
	logger *slog.Logger
	engine *engine.Engine
	cfg    Config

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func New(deps Dependencies, cfg Config) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.fillDefaults()

	s := &Server{
		logger: deps.Logger,
		engine: deps.Engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/session", s.handleSession)
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": len(s.engine.ListActive()),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	handle, err := s.engine.CreateSession(r.URL.Query().Get("channel"))
	if err != nil {
		s.logger.Warn("session creation rejected", "err", err)
		_ = writeEvent(conn, s.cfg.WriteTimeout, &sync.Mutex{}, ServerEvent{
			Type: "error",
			Data: map[string]any{"message": err.Error()},
		})
		_ = conn.Close()
		return
	}

	c := &callerConn{
		srv:    s,
		conn:   conn,
		handle: handle,
		logger: s.logger.With("session", handle.ID()),
	}
	c.run(r.Context())
}

// callerConn is one caller connection bound to one session.
type callerConn struct {
	srv    *Server
	conn   *websocket.Conn
	handle *engine.Handle
	logger *slog.Logger

	// writeMu serializes all writes; the websocket permits one writer.
	writeMu sync.Mutex
}

func (c *callerConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.conn.Close()

	c.conn.SetReadLimit(c.srv.cfg.ReadLimit)

	// Fan every engine notification straight out to the caller.
	_ = c.handle.OnEvent(engine.EventAny, func(data any) {
		wrapped, ok := data.(map[string]any)
		if !ok {
			return
		}
		evt := ServerEvent{Data: wrapped["data"]}
		evt.Type, _ = wrapped["type"].(string)
		if err := writeEvent(c.conn, c.srv.cfg.WriteTimeout, &c.writeMu, evt); err != nil {
			c.logger.Debug("event write failed", "err", err)
		}
	})

	go func() {
		if err := c.handle.Start(ctx); err != nil {
			c.logger.Warn("session stream ended with error", "err", err)
		}
	}()
	go c.pingLoop(ctx)

	c.readLoop(ctx)
	c.teardown()
}

func (c *callerConn) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("caller connection dropped", "err", err)
			}
			return
		}

		// Binary frames carry raw PCM directly; text frames carry signaling.
		if msgType == websocket.BinaryMessage {
			c.handle.StreamAudio(data)
			continue
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.logger.Warn("bad client message", "err", err)
			continue
		}
		if done := c.dispatch(ctx, msg); done {
			return
		}
	}
}

// dispatch handles one signaling message. Returns true when the connection
// should close.
func (c *callerConn) dispatch(ctx context.Context, msg ClientMessage) bool {
	switch msg.Type {
	case MsgPromptStart:
		if err := c.handle.SetupPromptStart(); err != nil {
			c.logger.Warn("promptStart rejected", "err", err)
		}
	case MsgSystemPrompt:
		if err := c.handle.SetupSystemPrompt(msg.Content); err != nil {
			c.logger.Warn("systemPrompt rejected", "err", err)
		}
	case MsgVoiceConfig:
		c.handle.SetVoice(msg.VoiceID)
	case MsgAudioStart:
		if err := c.handle.SetupStartAudio(); err != nil {
			c.logger.Warn("audioStart rejected", "err", err)
		}
	case MsgAudioInput:
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			c.logger.Warn("invalid audioInput payload", "err", err)
			return false
		}
		c.handle.StreamAudio(pcm)
	case MsgStopAudio:
		c.handle.Close(ctx)
	case MsgClose:
		c.handle.Close(ctx)
		return true
	default:
		c.logger.Debug("unknown client message", "type", msg.Type)
	}
	return false
}

// teardown closes the session after the caller goes away: graceful within
// the disconnect grace window, forced past it.
func (c *callerConn) teardown() {
	if !c.handle.IsActive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.DisconnectGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.handle.Close(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("graceful close timed out, forcing")
		c.handle.ForceClose()
	}
}

func (c *callerConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, timeout time.Duration, mu *sync.Mutex, evt ServerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
