package agentlink

import (
	"context"

	"github.com/pkg/errors"
)

// Errors returned by frame, transport and session operations.
// Returned errors wrap one of these with context; test with errors.Is.
var (
	// ErrConnection is returned when the endpoint cannot be reached or the
	// connection was lost.
	ErrConnection = errors.New("connection error")
	// ErrIO is returned when a write to the connection fails. The connection
	// is closed afterwards.
	ErrIO = errors.New("i/o error")
	// ErrLengthOverflow is returned when a payload does not fit the length header.
	ErrLengthOverflow = errors.New("length overflow")
	// ErrEmptyFrame is returned when asked to send an empty payload, which the
	// peer could not tell apart from a "not ready" header.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrUnexpectedEOF is returned when the peer closes before a fixed-size
	// read is satisfied.
	ErrUnexpectedEOF = errors.New("unexpected eof")
	// ErrTruncatedMessage is returned when the peer closes before a frame
	// body declared by its header has fully arrived.
	ErrTruncatedMessage = errors.New("truncated message")
	// ErrFrameTooLarge is returned when a peer declares a frame larger than
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrCodec is returned when a payload cannot be encoded or decoded.
	// Framing succeeded, so the connection stays usable.
	ErrCodec = errors.New("codec error")
)

// Errors returned by session lifecycle operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrNotConnected is returned when operating on a session without a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a connected session.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrBufferFull is returned when the command queue cannot accept more commands.
	ErrBufferFull = errors.New("send buffer full")
)

// IsFatal reports whether err leaves the connection unusable.
// Codec errors, rejected sends, backpressure and caller cancellation are
// not fatal.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCodec),
		errors.Is(err, ErrBufferFull),
		errors.Is(err, ErrEmptyFrame),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
