package p2p

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
	ErrInvalidPayload = errors.New("p2p: invalid payload")

	ErrVersionMismatch  = errors.New("p2p: protocol version mismatch")
	ErrUnknownCode      = errors.New("p2p: unknown message code")
	ErrMessageTooLarge  = errors.New("p2p: message exceeds max size")
	ErrBadMAC           = errors.New("p2p: message authentication failed")
	ErrHandshake        = errors.New("p2p: handshake failure")
	ErrNotSecure        = errors.New("p2p: message not allowed before secure channel")
	ErrUnexpected       = errors.New("p2p: unexpected message")
	ErrRateLimited      = errors.New("p2p: inbound message rate exceeded")
	ErrIncompatible     = errors.New("p2p: incompatible peer configuration")
	ErrAuthentication   = errors.New("p2p: identity proof rejected")
	ErrConnectionClosed = errors.New("p2p: connection closed")
	ErrQueueFull        = errors.New("p2p: outbound queue full")

	// ErrBanPeer marks a violation severe enough to ban the peer, such as a
	// forged proof. Wrap it into a handler error to escalate.
	ErrBanPeer = errors.New("p2p: peer misbehaved")
)

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// ProtocolError is a violation of the wire protocol attributed to the remote
// side. It always terminates the connection.
type ProtocolError struct {
	Code MsgCode
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("protocol violation (%s): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Violation wraps err as a protocol violation concerning code.
func Violation(code MsgCode, err error) error {
	return &ProtocolError{Code: code, Err: err}
}

// Violationf formats a protocol violation wrapping one of the package sentinels.
func Violationf(code MsgCode, format string, args ...any) error {
	return &ProtocolError{Code: code, Err: fmt.Errorf(format, args...)}
}

// IsProtocolViolation distinguishes protocol violations from transport errors.
func IsProtocolViolation(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ShouldBan reports whether err carries ErrBanPeer.
func ShouldBan(err error) bool {
	return errors.Is(err, ErrBanPeer)
}

// ByeReason is carried by a graceful Bye message.
type ByeReason uint8

const (
	ByeStopping ByeReason = iota
	ByeBan
	ByeLoopback
	ByeDuplicate
	ByeTimeout
	ByeOther
)

func (r ByeReason) String() string {
	switch r {
	case ByeStopping:
		return "stopping"
	case ByeBan:
		return "ban"
	case ByeLoopback:
		return "loopback"
	case ByeDuplicate:
		return "duplicate"
	case ByeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("bye(%d)", uint8(r))
	}
}

// DisconnectKind classifies why a connection ended.
type DisconnectKind uint8

const (
	// DisconnectIo covers transport failures, dial errors and timeouts.
	DisconnectIo DisconnectKind = iota
	// DisconnectProtocol covers every wire protocol violation.
	DisconnectProtocol
	// DisconnectProcessingExc is a local handler failure not attributable to framing.
	DisconnectProcessingExc
	// DisconnectBye is a graceful close requested by the peer.
	DisconnectBye
)

func (k DisconnectKind) String() string {
	switch k {
	case DisconnectIo:
		return "io"
	case DisconnectProtocol:
		return "protocol"
	case DisconnectProcessingExc:
		return "processing"
	case DisconnectBye:
		return "bye"
	default:
		return "unknown"
	}
}

// DisconnectReason is the single value propagated when a connection ends.
type DisconnectReason struct {
	Kind DisconnectKind
	Bye  ByeReason
	Err  error
}

func (r DisconnectReason) Error() string {
	switch r.Kind {
	case DisconnectBye:
		return "disconnect: bye " + r.Bye.String()
	default:
		if r.Err == nil {
			return "disconnect: " + r.Kind.String()
		}
		return fmt.Sprintf("disconnect: %s: %v", r.Kind, r.Err)
	}
}

func (r DisconnectReason) Unwrap() error { return r.Err }

// ShouldBan reports whether the reason warrants a ban.
func (r DisconnectReason) ShouldBan() bool {
	return r.Err != nil && ShouldBan(r.Err)
}

// IsTimeout reports whether the transport gave up waiting on the peer.
func (r DisconnectReason) IsTimeout() bool {
	var ne net.Error
	return r.Kind == DisconnectIo && errors.As(r.Err, &ne) && ne.Timeout()
}

// ReasonFromError maps a handler or transport error into a reason.
func ReasonFromError(err error) DisconnectReason {
	var reason DisconnectReason
	if errors.As(err, &reason) {
		return reason
	}
	switch {
	case IsProtocolViolation(err), IsInvalidPayload(err):
		return DisconnectReason{Kind: DisconnectProtocol, Err: err}
	case errors.Is(err, ErrBanPeer):
		return DisconnectReason{Kind: DisconnectProtocol, Err: err}
	default:
		return DisconnectReason{Kind: DisconnectProcessingExc, Err: err}
	}
}

// IoReason wraps a transport error.
func IoReason(err error) DisconnectReason {
	return DisconnectReason{Kind: DisconnectIo, Err: err}
}
