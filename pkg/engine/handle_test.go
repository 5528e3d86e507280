package engine

import (
	"encoding/base64"
	"testing"
)

func chunkValue(t *testing.T, content string) int {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		t.Fatalf("decode audio content: %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("chunk length = %d, want 1", len(data))
	}
	return int(data[0])
}

func TestStreamAudioDropsOldestWhenFull(t *testing.T) {
	eng := newTestEngine(t, nil)
	h, err := eng.CreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.drainDisabled = true

	// 205 single-byte chunks into a 200-slot buffer.
	for i := 0; i < audioBufferCap+5; i++ {
		h.StreamAudio([]byte{byte(i)})
	}

	if got := h.buffered(); got != audioBufferCap {
		t.Fatalf("buffered = %d, want %d", got, audioBufferCap)
	}
	// The first five chunks were dropped; the oldest survivor is chunk 5.
	h.mu.Lock()
	first := h.buf[0][0]
	last := h.buf[len(h.buf)-1][0]
	h.mu.Unlock()
	if first != 5 {
		t.Fatalf("oldest surviving chunk = %d, want 5", first)
	}
	if last != byte(audioBufferCap+4) {
		t.Fatalf("newest chunk = %d, want %d", last, audioBufferCap+4)
	}
}

func TestStreamAudioDrainsInOrder(t *testing.T) {
	eng := newTestEngine(t, nil)
	h, err := eng.CreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := eng.lookup("s1")

	for i := 0; i < 12; i++ {
		h.StreamAudio([]byte{byte(i)})
	}
	waitFor(t, func() bool { return h.buffered() == 0 })
	waitFor(t, func() bool { return sess.queue.len() == 12 })

	sess.queue.mu.Lock()
	defer sess.queue.mu.Unlock()
	for i, env := range sess.queue.items {
		if env.Event.AudioInput == nil {
			t.Fatalf("envelope %d is not audioInput", i)
		}
		v := chunkValue(t, env.Event.AudioInput.Content)
		if v != i {
			t.Fatalf("chunk %d carries value %d", i, v)
		}
	}
}

func TestStreamAudioAfterForceCloseDiscardsBacklog(t *testing.T) {
	eng := newTestEngine(t, nil)
	h, err := eng.CreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.ForceClose()

	for i := 0; i < 10; i++ {
		h.StreamAudio([]byte{byte(i)})
	}
	waitFor(t, func() bool { return h.buffered() == 0 })
}

func TestHandleVoiceSelection(t *testing.T) {
	eng := newTestEngine(t, nil)
	h, err := eng.CreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := eng.lookup("s1")

	h.SetVoice("matthew")
	if err := h.SetupPromptStart(); err != nil {
		t.Fatalf("promptStart: %v", err)
	}

	sess.queue.mu.Lock()
	defer sess.queue.mu.Unlock()
	if len(sess.queue.items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(sess.queue.items))
	}
	ps := sess.queue.items[0].Event.PromptStart
	if ps == nil {
		t.Fatal("expected promptStart envelope")
	}
	if ps.AudioOutputConfiguration.VoiceID != "matthew" {
		t.Fatalf("voice = %q, want matthew", ps.AudioOutputConfiguration.VoiceID)
	}
}
