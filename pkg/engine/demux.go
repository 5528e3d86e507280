package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
	"github.com/parlance-ai/sonicbridge/pkg/transport"
)

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// outboundSource adapts a session's queue to the transport's pull contract.
// Each pull yields one JSON-encoded envelope; an inactive session or a fired
// close signal ends the sequence. Consumer-side cancellation deactivates the
// session so producers stop feeding a dead stream.
type outboundSource struct {
	sess *session
}

func (s *outboundSource) Next(ctx context.Context) ([]byte, error) {
	if !s.sess.isActive() {
		return nil, io.EOF
	}
	env, err := s.sess.queue.next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.sess.deactivate()
		}
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	s.sess.touch()
	return data, nil
}

// dispatch invokes the per-type handler and the wildcard handler, each inside
// its own failure boundary. A panicking handler is logged and does not abort
// demultiplexing.
func (e *Engine) dispatch(sess *session, eventType string, data any) {
	sess.mu.Lock()
	typed := sess.handlers[eventType]
	wildcard := sess.handlers[EventAny]
	sess.mu.Unlock()

	if typed != nil {
		e.invokeHandler(sess, eventType, typed, data)
	}
	if wildcard != nil {
		e.invokeHandler(sess, EventAny, wildcard, map[string]any{
			"type": eventType,
			"data": data,
		})
	}
}

func (e *Engine) invokeHandler(sess *session, eventType string, cb Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "session", sess.id, "event", eventType, "err", r)
		}
	}()
	cb(data)
}

// demux processes the response stream in arrival order until it ends or the
// session goes inactive.
func (e *Engine) demux(ctx context.Context, sess *session, frames <-chan transport.Frame) {
	sawFault := false
	for frame := range frames {
		if !sess.isActive() {
			break
		}
		sess.touch()

		if frame.Fault != nil {
			sawFault = true
			e.logger.Warn("stream fault", "session", sess.id, "kind", frame.Fault.Kind, "err", frame.Fault.Err)
			e.dispatch(sess, EventError, map[string]any{
				"source":  "bidirectionalStream",
				"type":    string(frame.Fault.Kind),
				"message": faultMessage(frame.Fault),
			})
			continue
		}

		decoded, err := sonic.ClassifyFrame(frame.Payload)
		if err != nil {
			e.logger.Warn("undecodable response frame", "session", sess.id, "err", err)
			continue
		}

		switch decoded.Kind {
		case sonic.KindToolUse:
			// Last tool wins: a second toolUse before the first resolves
			// overwrites it. The protocol never pipelines tool calls.
			sess.mu.Lock()
			sess.pendingToolUse = decoded.ToolUse
			sess.mu.Unlock()
			e.dispatch(sess, EventToolUse, payloadData(decoded.Payload))
		case sonic.KindContentEndTool:
			e.completeToolUse(ctx, sess, decoded)
		case sonic.KindContentEnd:
			e.dispatch(sess, EventContentEnd, payloadData(decoded.Payload))
		case sonic.KindUnknown:
			e.logger.Debug("frame without event object", "session", sess.id)
		default:
			e.dispatch(sess, decoded.EventName, payloadData(decoded.Payload))
		}
	}

	e.dispatch(sess, EventStreamComplete, map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if sawFault && sess.isActive() {
		e.CloseGraceful(ctx, sess.id)
	}
}

// completeToolUse runs the tool round-trip for a TOOL content-end: fire
// toolEnd, invoke the registry, enqueue the three-envelope result with a
// fresh content id, fire toolResult. Exactly one call is awaited at a time;
// an invocation failure surfaces as an error notification and no result
// envelopes are sent.
func (e *Engine) completeToolUse(ctx context.Context, sess *session, decoded sonic.InboundFrame) {
	sess.mu.Lock()
	pending := sess.pendingToolUse
	sess.mu.Unlock()

	if pending == nil {
		e.dispatch(sess, EventContentEnd, payloadData(decoded.Payload))
		return
	}

	e.dispatch(sess, EventToolEnd, map[string]any{
		"toolUseId":      pending.ToolUseID,
		"toolName":       pending.ToolName,
		"toolUseContent": pending.Content,
	})

	toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	result, err := e.tools.Invoke(toolCtx, pending.ToolName, pending.Content)
	cancel()
	if err != nil {
		e.logger.Error("tool invocation failed", "session", sess.id, "tool", pending.ToolName, "err", err)
		e.dispatch(sess, EventError, map[string]any{
			"source":  "toolUse",
			"type":    "toolExecutionError",
			"message": err.Error(),
		})
		return
	}

	content := sonic.SerializeToolResult(result)
	e.enqueueAll(sess, sonic.ToolResult(sess.promptName, uuid.NewString(), pending.ToolUseID, content))

	sess.mu.Lock()
	sess.pendingToolUse = nil
	sess.mu.Unlock()

	e.dispatch(sess, EventToolResult, map[string]any{
		"toolUseId": pending.ToolUseID,
		"toolName":  pending.ToolName,
		"result":    result,
	})
}

// payloadData decodes a raw event body for handler consumption, falling back
// to the raw text when it is not an object.
func payloadData(raw json.RawMessage) any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	return string(raw)
}

func faultMessage(f *transport.Fault) string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return string(f.Kind)
}
