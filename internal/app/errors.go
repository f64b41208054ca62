package app

import "fmt"

// AuthError refuses a connection before any state is created.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

const (
	ReasonInvalidAdminCredential = "invalid admin credential"
	ReasonMissingToken           = "missing token"
	ReasonInvalidToken           = "invalid token"
	ReasonDuplicateSession       = "duplicate session"
	ReasonOwnershipMismatch      = "ownership mismatch"
)

// ProtocolError is returned for an operation on state that does not
// exist (wrong room, missing transport, unknown producer, …). It is
// reported in the response payload; the connection stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Message)
}

func protocolErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	CodeNotJoined           = "not-joined"
	CodeRoomNotFound        = "room-not-found"
	CodeNoSendTransport     = "no-send-transport"
	CodeSendTransportExists = "send-transport-exists"
	CodeTransportNotFound   = "transport-not-found"
	CodeProducerNotFound    = "producer-not-found"
	CodeConsumerNotFound    = "consumer-not-found"
	CodeCannotConsume       = "cannot-consume"
	CodeEngineFailure       = "engine-failure"
	CodeUnknownAction       = "unknown-action"
	CodeBadRequest          = "bad-request"
)
