package toybox

import (
	"fmt"
)

// error taxonomy:
// - transport/handshake/auth failures propagate to the caller of
//   Connect/Authenticate
// - subscription refusals propagate to the caller of Subscribe
// - store-level anomalies (mutation of an unknown document, unmatched
//   response id) are logged and absorbed, never propagated

// ConnectionError is a transport-level failure to establish or maintain the
// socket.
type ConnectionError struct {
	Err error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// HandshakeError means the server rejected the DDP version negotiation with a
// `failed` message. Version is the version the server suggested.
type HandshakeError struct {
	Version string
}

func (self *HandshakeError) Error() string {
	return fmt.Sprintf("ddp handshake failed: server requires version %q", self.Version)
}

// AuthenticationError means the server rejected the login method call, or the
// client was not in a state where login could be attempted.
type AuthenticationError struct {
	Reason string
}

func (self *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", self.Reason)
}

// SubscriptionError means the server refused a subscription with an
// error-tagged `nosub`.
type SubscriptionError struct {
	Name   string
	Detail *ServerError
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q refused: %s", self.Name, self.Detail)
}

// ConnectionLostError fails in-flight calls when the transport drops or the
// client is closed.
type ConnectionLostError struct {
}

func (self *ConnectionLostError) Error() string {
	return "connection lost"
}

// PrinterNotFoundError means the requested printer id is absent from the
// synced state. Recoverable: the consumer should treat the printer as
// unknown/offline rather than crash.
type PrinterNotFoundError struct {
	PrinterId string
}

func (self *PrinterNotFoundError) Error() string {
	return fmt.Sprintf("printer %q not found in synced state", self.PrinterId)
}

// ApiError is an error-tagged method result for anything other than login.
type ApiError struct {
	Method string
	Detail *ServerError
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("method %q failed: %s", self.Method, self.Detail)
}
