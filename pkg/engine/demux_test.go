package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
	"github.com/parlance-ai/sonicbridge/pkg/tools"
	"github.com/parlance-ai/sonicbridge/pkg/transport"
)

type recorded struct {
	typ  string
	data any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) record(typ string) Handler {
	return func(data any) {
		r.mu.Lock()
		r.events = append(r.events, recorded{typ: typ, data: data})
		r.mu.Unlock()
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.typ)
	}
	return types
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func jsonFrame(s string) transport.Frame {
	return transport.Frame{Payload: []byte(s)}
}

// runDemuxScenario feeds the frames through a started session and waits for
// the response stream to finish.
func runDemuxScenario(t *testing.T, eng *Engine, duplex *fakeDuplex, id string, frames []transport.Frame) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = eng.Start(ctx, id)
		close(done)
	}()
	for _, f := range frames {
		duplex.frames <- f
	}
	close(duplex.frames)
	<-done
}

func TestDemuxDispatchesTypedAndWildcard(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventTextOutput, rec.record(EventTextOutput))
	_ = eng.RegisterHandler("s1", EventAny, rec.record(EventAny))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"textOutput":{"content":"hello"}}}`),
		jsonFrame(`{"event":{"audioOutput":{"content":"UElDTQ=="}}}`),
	})

	if got := rec.count(EventTextOutput); got != 1 {
		t.Fatalf("textOutput dispatches = %d, want 1", got)
	}
	// Wildcard sees textOutput, audioOutput, and streamComplete.
	if got := rec.count(EventAny); got != 3 {
		t.Fatalf("wildcard dispatches = %d, want 3 (got %v)", got, rec.types())
	}

	data := rec.events[0].data.(map[string]any)
	if data["content"] != "hello" {
		t.Fatalf("textOutput payload = %v", data)
	}
}

func TestDemuxStreamCompleteOnEnd(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventStreamComplete, rec.record(EventStreamComplete))

	runDemuxScenario(t, eng, duplex, "s1", nil)

	if got := rec.count(EventStreamComplete); got != 1 {
		t.Fatalf("streamComplete dispatches = %d, want 1", got)
	}
}

func TestDemuxHandlerPanicDoesNotAbort(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventTextOutput, func(any) { panic("boom") })
	_ = eng.RegisterHandler("s1", EventContentStart, rec.record(EventContentStart))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"textOutput":{"content":"a"}}}`),
		jsonFrame(`{"event":{"contentStart":{"type":"TEXT"}}}`),
	})

	if got := rec.count(EventContentStart); got != 1 {
		t.Fatalf("contentStart dispatches = %d, want 1", got)
	}
}

func TestDemuxToolRoundTrip(t *testing.T) {
	duplex := newFakeDuplex()
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Registration{
		Name:     "echoTool",
		Provider: "test",
		Invoke: func(_ context.Context, rawContent string) (any, error) {
			return []any{map[string]any{"echo": rawContent}, "ignored-second"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: duplex,
		Tools:     registry,
	}, testConfig())
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := eng.lookup("s1")

	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventToolUse, rec.record(EventToolUse))
	_ = eng.RegisterHandler("s1", EventToolEnd, rec.record(EventToolEnd))
	_ = eng.RegisterHandler("s1", EventToolResult, rec.record(EventToolResult))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"toolUse":{"toolName":"echoTool","toolUseId":"t1","content":"{\"q\":42}"}}}`),
		jsonFrame(`{"event":{"contentEnd":{"type":"TOOL","stopReason":"TOOL_USE"}}}`),
	})

	for _, want := range []string{EventToolUse, EventToolEnd, EventToolResult} {
		if got := rec.count(want); got != 1 {
			t.Fatalf("%s dispatches = %d, want 1 (got %v)", want, got, rec.types())
		}
	}

	// The outbound adapter drains the result sequence: sessionStart first,
	// then the three-envelope tool result.
	want := []string{"sessionStart", "contentStart", "toolResult", "contentEnd"}
	waitFor(t, func() bool { return len(duplex.sentKinds()) >= len(want) })
	got := duplex.sentKinds()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	var result *sonic.ToolResultEvent
	duplex.mu.Lock()
	for _, data := range duplex.sent {
		var env sonic.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Event.ToolResult != nil {
			result = env.Event.ToolResult
		}
	}
	duplex.mu.Unlock()
	if result == nil {
		t.Fatal("no toolResult envelope sent")
	}
	// Truncation quirk: only the first element of a non-empty slice goes out.
	wantContent := `{"echo":"{\"q\":42}"}`
	if result.Content != wantContent {
		t.Fatalf("tool result content = %q, want %q", result.Content, wantContent)
	}

	sess.mu.Lock()
	pending := sess.pendingToolUse
	sess.mu.Unlock()
	if pending != nil {
		t.Fatal("pendingToolUse should be cleared after the result is sent")
	}
}

func TestDemuxLastToolWins(t *testing.T) {
	duplex := newFakeDuplex()
	registry := tools.NewRegistry()
	var invoked []string
	var invokedMu sync.Mutex
	for _, name := range []string{"firstTool", "secondTool"} {
		name := name
		if err := registry.Register(tools.Registration{
			Name:     name,
			Provider: "test",
			Invoke: func(context.Context, string) (any, error) {
				invokedMu.Lock()
				invoked = append(invoked, name)
				invokedMu.Unlock()
				return "ok", nil
			},
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	eng := New(Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: duplex,
		Tools:     registry,
	}, testConfig())
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"toolUse":{"toolName":"firstTool","toolUseId":"t1","content":"{}"}}}`),
		jsonFrame(`{"event":{"toolUse":{"toolName":"secondTool","toolUseId":"t2","content":"{}"}}}`),
		jsonFrame(`{"event":{"contentEnd":{"type":"TOOL"}}}`),
	})

	invokedMu.Lock()
	defer invokedMu.Unlock()
	if len(invoked) != 1 || invoked[0] != "secondTool" {
		t.Fatalf("invoked = %v, want [secondTool]", invoked)
	}
}

func TestDemuxToolFailureSkipsResultEnvelopes(t *testing.T) {
	duplex := newFakeDuplex()
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Registration{
		Name:     "brokenTool",
		Provider: "test",
		Invoke: func(context.Context, string) (any, error) {
			return nil, errors.New("exploded")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: duplex,
		Tools:     registry,
	}, testConfig())
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := eng.lookup("s1")

	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventError, rec.record(EventError))
	_ = eng.RegisterHandler("s1", EventToolResult, rec.record(EventToolResult))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"toolUse":{"toolName":"brokenTool","toolUseId":"t1","content":"{}"}}}`),
		jsonFrame(`{"event":{"contentEnd":{"type":"TOOL"}}}`),
	})

	if got := rec.count(EventError); got != 1 {
		t.Fatalf("error dispatches = %d, want 1", got)
	}
	if got := rec.count(EventToolResult); got != 0 {
		t.Fatalf("toolResult dispatches = %d, want 0", got)
	}
	if sess.queue.len() > 1 {
		t.Fatalf("unexpected envelopes queued after failure: %v", queueKinds(sess))
	}
	for _, k := range duplex.sentKinds() {
		if k == "toolResult" {
			t.Fatal("tool result envelopes must not be sent on failure")
		}
	}
}

func TestDemuxUnknownToolReportsError(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventError, rec.record(EventError))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"toolUse":{"toolName":"noSuchTool","toolUseId":"t1","content":"{}"}}}`),
		jsonFrame(`{"event":{"contentEnd":{"type":"TOOL"}}}`),
	})

	if got := rec.count(EventError); got != 1 {
		t.Fatalf("error dispatches = %d, want 1", got)
	}
}

func TestDemuxPlainContentEnd(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventContentEnd, rec.record(EventContentEnd))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		jsonFrame(`{"event":{"contentEnd":{"type":"TEXT","stopReason":"END_TURN"}}}`),
	})

	if got := rec.count(EventContentEnd); got != 1 {
		t.Fatalf("contentEnd dispatches = %d, want 1", got)
	}
}

func TestDemuxFaultNotifiesAndTearsDown(t *testing.T) {
	duplex := newFakeDuplex()
	eng := newTestEngine(t, duplex)
	if _, err := eng.CreateSession("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := &recorder{}
	_ = eng.RegisterHandler("s1", EventError, rec.record(EventError))

	runDemuxScenario(t, eng, duplex, "s1", []transport.Frame{
		{Fault: &transport.Fault{Kind: transport.FaultModelStream, Err: fmt.Errorf("stream broke")}},
	})

	if got := rec.count(EventError); got != 1 {
		t.Fatalf("error dispatches = %d, want 1", got)
	}
	rec.mu.Lock()
	data := rec.events[0].data.(map[string]any)
	rec.mu.Unlock()
	if data["type"] != string(transport.FaultModelStream) {
		t.Fatalf("fault type = %v", data["type"])
	}
	waitFor(t, func() bool { return eng.lookup("s1") == nil })
}
