package engine

import (
	"context"
	"sync"
)

const (
	// audioBufferCap bounds the jitter buffer; sustained overload drops the
	// oldest chunks rather than growing without limit.
	audioBufferCap = 200

	// drainBatchSize caps how many chunks one drain activation forwards
	// before yielding, so one session's backlog cannot starve others.
	drainBatchSize = 5
)

// Handle is the caller-facing facade over one session. It forwards control
// calls to the engine and smooths bursty caller audio through a bounded
// drop-oldest buffer drained in small batches.
type Handle struct {
	eng *Engine
	id  string

	mu            sync.Mutex
	buf           [][]byte
	draining      bool
	drainDisabled bool
	voiceID       string
}

func newHandle(eng *Engine, id string) *Handle {
	return &Handle{eng: eng, id: id}
}

// ID returns the session id.
func (h *Handle) ID() string {
	return h.id
}

// SetVoice selects the synthesis voice merged into the promptStart envelope.
func (h *Handle) SetVoice(voiceID string) {
	h.mu.Lock()
	h.voiceID = voiceID
	h.mu.Unlock()
}

// Start runs the duplex exchange; it blocks until the response stream ends.
func (h *Handle) Start(ctx context.Context) error {
	return h.eng.Start(ctx, h.id)
}

// SetupPromptStart opens the prompt with the session's selected voice.
func (h *Handle) SetupPromptStart() error {
	h.mu.Lock()
	voice := h.voiceID
	h.mu.Unlock()
	return h.eng.SetupPromptStart(h.id, voice)
}

// SetupSystemPrompt sends the system prompt; empty content uses the default.
func (h *Handle) SetupSystemPrompt(content string) error {
	return h.eng.SetupSystemPrompt(h.id, content)
}

// SetupStartAudio opens the caller audio content stream.
func (h *Handle) SetupStartAudio() error {
	return h.eng.SetupStartAudio(h.id)
}

// StreamAudio buffers one chunk of caller PCM and schedules a drain. When
// the buffer is full the oldest chunk is dropped.
func (h *Handle) StreamAudio(chunk []byte) {
	h.mu.Lock()
	if len(h.buf) >= audioBufferCap {
		copy(h.buf, h.buf[1:])
		h.buf = h.buf[:len(h.buf)-1]
	}
	h.buf = append(h.buf, chunk)
	start := !h.draining && !h.drainDisabled
	if start {
		h.draining = true
	}
	h.mu.Unlock()

	if start {
		go h.drain()
	}
}

// drain forwards up to drainBatchSize chunks, then reschedules itself if a
// backlog remains rather than looping synchronously.
func (h *Handle) drain() {
	h.mu.Lock()
	n := len(h.buf)
	if n > drainBatchSize {
		n = drainBatchSize
	}
	batch := make([][]byte, n)
	copy(batch, h.buf)
	rest := copy(h.buf, h.buf[n:])
	h.buf = h.buf[:rest]
	h.mu.Unlock()

	for _, chunk := range batch {
		if err := h.eng.StreamAudioChunk(h.id, chunk); err != nil {
			// Session gone or inactive; discard the backlog.
			h.mu.Lock()
			h.buf = nil
			h.draining = false
			h.mu.Unlock()
			return
		}
	}

	h.mu.Lock()
	again := len(h.buf) > 0
	if !again {
		h.draining = false
	}
	h.mu.Unlock()
	if again {
		go h.drain()
	}
}

// buffered reports the current jitter buffer depth.
func (h *Handle) buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// EndAudioContent closes the audio content block.
func (h *Handle) EndAudioContent(ctx context.Context) {
	h.eng.SendContentEnd(ctx, h.id)
}

// EndPrompt closes the prompt.
func (h *Handle) EndPrompt(ctx context.Context) {
	h.eng.SendPromptEnd(ctx, h.id)
}

// Close runs the graceful three-step teardown.
func (h *Handle) Close(ctx context.Context) {
	h.eng.CloseGraceful(ctx, h.id)
}

// ForceClose abandons the teardown handshake and removes the session.
func (h *Handle) ForceClose() {
	h.eng.CloseForced(h.id)
}

// OnEvent registers the callback for one event type; "any" sees everything.
func (h *Handle) OnEvent(eventType string, cb Handler) error {
	return h.eng.RegisterHandler(h.id, eventType, cb)
}

// IsActive reports session liveness.
func (h *Handle) IsActive() bool {
	return h.eng.IsActive(h.id)
}
