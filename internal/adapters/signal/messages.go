package signal

import (
	"encoding/json"
	"errors"

	"github.com/provigil/proctor/internal/app"
	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// messageKind is the closed set of client request types. parseKind is
// the only place wire strings become kinds; dispatch switches on the
// enum and handles every member.
type messageKind int

const (
	kindJoin messageKind = iota
	kindCreateTransport
	kindConnectTransport
	kindConnectReceiveTransport
	kindProduce
	kindListProducers
	kindListProducersFor
	kindConsume
	kindResumeConsumer
	kindDashboardMessage
	kindExtensionMessage
	kindPing
	kindSessionEnd
)

var kindNames = map[string]messageKind{
	"join":                    kindJoin,
	"createTransport":         kindCreateTransport,
	"connectTransport":        kindConnectTransport,
	"connectReceiveTransport": kindConnectReceiveTransport,
	"produce":                 kindProduce,
	"listProducers":           kindListProducers,
	"listProducersFor":        kindListProducersFor,
	"consume":                 kindConsume,
	"resumeConsumer":          kindResumeConsumer,
	"dashboardMessage":        kindDashboardMessage,
	"extensionMessage":        kindExtensionMessage,
	"ping":                    kindPing,
	"sessionEnd":              kindSessionEnd,
}

func parseKind(s string) (messageKind, bool) {
	k, ok := kindNames[s]
	return k, ok
}

// envelope is the request frame. One-way server events reuse the type
// field without an id.
type envelope struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Request payloads, one struct per kind.

type joinPayload struct {
	RoomID string `json:"roomId"`
}

type createTransportPayload struct {
	IsReceiver bool `json:"isReceiver"`
}

type connectTransportPayload struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	TransportID    string          `json:"transportId,omitempty"`
}

type producePayload struct {
	Kind          core.MediaKind  `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

type listProducersForPayload struct {
	ConnectionID domain.ConnID `json:"connectionId"`
}

type consumePayload struct {
	CodecCapabilities  json.RawMessage `json:"codecCapabilities"`
	ProducerID         string          `json:"producerId"`
	ReceiveTransportID string          `json:"receiveTransportId"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type actionPayload struct {
	Action string `json:"action"`
}

// encodeResponse builds a success reply frame.
func encodeResponse(id uint64, data any) (core.Frame, error) {
	b, err := json.Marshal(struct {
		Type string `json:"type"`
		ID   uint64 `json:"id"`
		Data any    `json:"data"`
	}{Type: "response", ID: id, Data: data})
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeErrorResponse builds an error reply frame. Protocol errors keep
// their code; anything else degrades to an engine-failure code without
// leaking internals.
func encodeErrorResponse(id uint64, err error) (core.Frame, error) {
	we := wireError{Code: app.CodeEngineFailure, Message: err.Error()}
	var perr *app.ProtocolError
	if errors.As(err, &perr) {
		we = wireError{Code: perr.Code, Message: perr.Message}
	}
	b, merr := json.Marshal(struct {
		Type  string    `json:"type"`
		ID    uint64    `json:"id"`
		Error wireError `json:"error"`
	}{Type: "response", ID: id, Error: we})
	if merr != nil {
		return nil, merr
	}
	return core.Frame(b), nil
}
