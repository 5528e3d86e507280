// Package sonic defines the Nova Sonic bidirectional stream event envelopes:
// the typed outbound messages the model expects, pure constructors for them,
// and classification of the inbound frames the model emits.
//
// Envelopes are immutable once constructed. Ownership passes to the session
// queue and then to the transport serializer; nothing in this package keeps a
// reference after returning one.
package sonic
