package core

import (
	"context"
	"encoding/json"
)

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Engine is the media-routing collaborator. It owns the heavy
// ICE/DTLS/SRTP work; this layer only tracks references to what it
// hands out.
type Engine interface {
	// CreateRouter allocates a routing context for one room.
	CreateRouter(ctx context.Context) (Router, error)
	// OnDied registers a callback fired when the engine becomes
	// unusable. Not recoverable in place.
	OnDied(fn func(err error))
}

// Router is a room's routing-capability handle.
type Router interface {
	ID() string
	// Capabilities is the negotiated codec capability descriptor sent
	// to joining clients. Opaque to this layer.
	Capabilities() json.RawMessage
	CreateTransport(ctx context.Context) (Transport, TransportInfo, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close()
}

// TransportInfo is the wire description returned to the client after
// transport creation.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// Closeable is the single closure capability shared by every engine
// resource, so cascade cleanup is one generic loop.
type Closeable interface {
	Close()
}

type Transport interface {
	Closeable
	ID() string
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind MediaKind, rtpParameters, appData json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities, appData json.RawMessage) (Consumer, error)
	Stats(ctx context.Context) (json.RawMessage, error)
	// OnDTLSClosed fires when the underlying DTLS session ends; the
	// transport must then be treated as dead.
	OnDTLSClosed(fn func())
}

type Producer interface {
	Closeable
	ID() string
	Kind() MediaKind
	// OnClosed fires at most once, when the underlying inbound stream
	// ends for any reason.
	OnClosed(fn func())
}

// Consumer is created paused; Resume starts delivery.
type Consumer interface {
	Closeable
	ID() string
	Kind() MediaKind
	RTPParameters() json.RawMessage
	Resume(ctx context.Context) error
}
