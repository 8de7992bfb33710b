// Package agentlink speaks the agent protocol of a local NES emulator over a
// Unix domain socket. Every message in either direction is a 4-byte length
// header followed by that many payload bytes. A zero header means the peer
// has nothing to send yet.
//
// Conn provides the framing and short read/write handling, Session drives
// one agent conversation on top of it, and Server is the emulator end used
// by fake peers and tests.
package agentlink

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// aLongTimeAgo is a deadline that aborts pending I/O immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is one stream connection to the emulator socket.
// Writes are serialized so the bytes of one frame are never interleaved with
// another frame. Reads are not synchronized and must come from one goroutine.
type Conn struct {
	rawConn net.Conn
	reader  io.Reader
	logger  Logger

	opts options

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to the Unix socket at path.
// It fails with ErrConnection when the endpoint is missing, refuses the
// connection or cannot be accessed.
func Dial(ctx context.Context, path string, opt ...Option) (*Conn, error) {
	return dial(ctx, path, newOptions(opt))
}

func dial(ctx context.Context, path string, opts options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "dial %s: %v", path, err)
	}
	return newConnWithOptions(raw, opts), nil
}

// NewConn wraps an established stream connection.
func NewConn(conn net.Conn, opt ...Option) *Conn {
	return newConnWithOptions(conn, newOptions(opt))
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	return &Conn{
		rawConn: c,
		reader:  c,
		logger:  opts.logger,
		opts:    opts,
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed, either by Close
// or after a framing error.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// fail closes a connection whose stream position can no longer be trusted.
func (c *Conn) fail(err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Debug("closing broken connection", "addr", c.Addr(), "error", err)
	_ = c.Close()
}

// WriteAll writes p completely, looping over short writes.
// Any write failure closes the connection and is reported as ErrIO.
// If ctx is canceled before any byte was written the connection stays open.
func (c *Conn) WriteAll(ctx context.Context, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeAll(ctx, p)
}

func (c *Conn) writeAll(ctx context.Context, p []byte) error {
	if c.closed.Load() {
		return errors.Wrap(ErrConnection, "write on closed connection")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	release := c.interruptible(ctx, c.rawConn.SetWriteDeadline, c.opts.writeTimeout)

	var (
		written int
		err     error
	)
	for written < len(p) {
		var n int
		n, err = c.rawConn.Write(p[written:])
		written += n
		if err != nil {
			break
		}
		if n == 0 {
			err = io.ErrShortWrite
			break
		}
	}

	interrupted := release()
	if err == nil {
		return nil
	}

	if interrupted {
		if written > 0 {
			c.fail(err)
		}
		return errors.Wrapf(ctx.Err(), "write interrupted after %d of %d bytes", written, len(p))
	}

	c.fail(err)
	return errors.Wrapf(ErrIO, "wrote %d of %d bytes: %v", written, len(p), err)
}

// WriteFrame writes one length-prefixed frame.
// Payloads longer than the frame limit (MaxFrameLength, or less when set by
// MaxFrameSizeOption) fail with ErrLengthOverflow before anything is written.
// Empty payloads fail with ErrEmptyFrame; use WriteNotReady for a zero header.
func (c *Conn) WriteFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(payload)) > uint64(c.opts.maxFrameSize) {
		return errors.Wrapf(ErrLengthOverflow, "payload of %d bytes exceeds frame limit %d", len(payload), c.opts.maxFrameSize)
	}

	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload, c.opts.order)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeAll(ctx, buf)
}

// WriteNotReady writes a zero-length header, telling the peer that no frame
// is available yet.
func (c *Conn) WriteNotReady(ctx context.Context) error {
	return c.WriteAll(ctx, make([]byte, HeaderSize))
}

// ReadExact blocks until exactly n bytes have been read.
// It fails with ErrUnexpectedEOF if the peer closes first. For n == 0 it
// returns an empty slice without touching the connection. On error the
// bytes read so far are returned.
func (c *Conn) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if c.closed.Load() {
		return nil, errors.Wrap(ErrConnection, "read on closed connection")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, n)

	release := c.interruptible(ctx, c.rawConn.SetReadDeadline, c.opts.readTimeout)
	got, err := readExact(c.reader, buf)
	interrupted := release()

	if err == nil {
		return buf, nil
	}

	switch {
	case interrupted:
		// Nothing consumed means the stream is still aligned on a frame.
		if got > 0 {
			c.fail(err)
		}
		return buf[:got], errors.Wrapf(ctx.Err(), "read interrupted after %d of %d bytes", got, n)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.fail(err)
		return buf[:got], errors.Wrapf(ErrUnexpectedEOF, "read %d of %d bytes", got, n)
	default:
		c.fail(err)
		return buf[:got], errors.Wrapf(ErrConnection, "read: %v", err)
	}
}

// readExact fills buf from r. Unlike io.ReadFull it keeps the error that
// ended the stream so closure can be told apart from other failures.
func readExact(r io.Reader, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil {
			if got == len(buf) && err == io.EOF {
				return got, nil
			}
			return got, err
		}
	}
	return got, nil
}

// ReadChunk performs one read of at most max bytes and returns what arrived.
// It returns io.EOF once the peer has closed. ReadChunk is meant for reading
// inside a frame, so an interrupted read always closes the connection.
func (c *Conn) ReadChunk(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		return []byte{}, nil
	}
	if c.closed.Load() {
		return nil, errors.Wrap(ErrConnection, "read on closed connection")
	}
	if err := ctx.Err(); err != nil {
		c.fail(err)
		return nil, err
	}

	buf := make([]byte, max)

	release := c.interruptible(ctx, c.rawConn.SetReadDeadline, c.opts.readTimeout)
	var (
		n   int
		err error
	)
	for n == 0 && err == nil {
		n, err = c.reader.Read(buf)
	}
	interrupted := release()

	if n > 0 {
		return buf[:n], nil
	}

	c.fail(err)
	switch {
	case interrupted:
		return nil, errors.Wrap(ctx.Err(), "read interrupted inside frame")
	case err == io.EOF:
		return nil, io.EOF
	default:
		return nil, errors.Wrapf(ErrConnection, "read: %v", err)
	}
}

// ReadHeader reads and decodes one frame header.
func (c *Conn) ReadHeader(ctx context.Context) (uint32, error) {
	b, err := c.ReadExact(ctx, HeaderSize)
	if err != nil {
		return 0, err
	}
	return DecodeHeader([HeaderSize]byte(b), c.opts.order), nil
}

// ReadFrame reads one header and its body in a single read. It returns a
// nil body without error when the header is zero.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	length, err := c.ReadHeader(ctx)
	if err != nil || length == 0 {
		return nil, err
	}
	if length > c.opts.maxFrameSize {
		err := errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", length, c.opts.maxFrameSize)
		c.fail(err)
		return nil, err
	}

	body, err := c.ReadExact(ctx, int(length))
	if errors.Is(err, ErrUnexpectedEOF) {
		return nil, errors.Wrapf(ErrTruncatedMessage, "received %d of %d bytes", len(body), length)
	}
	return body, err
}

// interruptible bounds the next blocking call by timeout and arms ctx to
// abort it by moving the deadline into the past. The returned release
// disarms both and reports whether ctx fired.
func (c *Conn) interruptible(ctx context.Context, setDeadline func(time.Time) error, timeout time.Duration) (release func() bool) {
	if timeout > 0 {
		_ = setDeadline(time.Now().Add(timeout))
	}

	if ctx.Done() == nil {
		return func() bool {
			if timeout > 0 {
				_ = setDeadline(time.Time{})
			}
			return false
		}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(fired)
	})

	return func() bool {
		interrupted := false
		if !stop() {
			<-fired
			interrupted = true
		}
		if timeout > 0 || interrupted {
			_ = setDeadline(time.Time{})
		}
		return interrupted
	}
}
