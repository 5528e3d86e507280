// Package transport defines the duplex-stream capability the session engine
// consumes: given a pull-based source of outbound byte frames, open a
// connection to the remote service and deliver its response frames.
package transport

import "context"

// Source is the pull side of the outbound exchange. Next blocks until a
// frame is available and returns io.EOF when the sequence is finished.
// Cancelling ctx abandons the exchange.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// FaultKind discriminates the structured error variants the remote service
// can emit in place of an event frame.
type FaultKind string

const (
	FaultModelStream    FaultKind = "modelStreamErrorException"
	FaultInternalServer FaultKind = "internalServerException"
)

// Fault is a transport-level error frame.
type Fault struct {
	Kind FaultKind
	Err  error
}

// Frame is one inbound unit: either a JSON-encoded event payload or a fault.
type Frame struct {
	Payload []byte
	Fault   *Fault
}

// Duplex opens a bidirectional exchange. It drains src until io.EOF or ctx
// cancellation and delivers response frames on the returned channel, which
// is closed when the remote side finishes. A non-nil error from Open means
// the exchange never started.
type Duplex interface {
	Open(ctx context.Context, src Source) (<-chan Frame, error)
}
