package agentlink

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Session is one agent conversation with the emulator: it sends button
// commands and receives screenshots over a single connection.
//
// A session starts disconnected. Connect opens the connection, Send and
// ReceiveNext exchange frames on it, and Close ends it. Framing errors close
// the connection and return the session to StateDisconnected; Connect may be
// called again afterwards. Codec errors leave the connection open.
type Session struct {
	id      string
	path    string
	opts    options
	logger  Logger
	metrics *metrics

	mu         sync.Mutex // guards conn and registered
	conn       *Conn
	registered bool

	rngMu sync.Mutex
	rng   *rand.Rand

	// recvMu keeps a single reader on the connection.
	recvMu sync.Mutex

	state   atomic.Int32
	lastSeq atomic.Uint64

	sendQueue chan Buttons
}

// NewSession creates a disconnected session for the socket at path.
// An empty path selects DefaultSocketPath. CodecOption is required.
func NewSession(path string, opt ...Option) (*Session, error) {
	opts := newOptions(opt)
	if opts.codec == nil {
		return nil, ErrInvalidCodec
	}

	if path == "" {
		path = DefaultSocketPath
	}

	id := uuid.NewString()
	m := newMetrics(id)
	if err := m.register(opts.registerer); err != nil {
		return nil, err
	}

	s := &Session{
		id:         id,
		path:       path,
		opts:       opts,
		logger:     opts.logger,
		metrics:    m,
		registered: opts.registerer != nil,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sendQueue:  make(chan Buttons, opts.bufferSize),
	}
	s.lastSeq.Store(opts.sequenceStart - 1)
	return s, nil
}

// ID returns the session identifier used in logs and metric labels.
func (s *Session) ID() string {
	return s.id
}

// Path returns the socket path the session connects to.
func (s *Session) Path() string {
	return s.path
}

// State returns the current receive state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Sequence returns the sequence number of the last command built.
func (s *Session) Sequence() uint64 {
	return s.lastSeq.Load()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// backoff returns the wait before retry number attempt of cfg.
func (s *Session) backoff(cfg BackoffConfig, attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return cfg.Delay(attempt, s.rng)
}

// Connect opens the connection. With ConnectAttemptsOption greater than one,
// failed attempts are retried after the reconnect backoff.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() {
		return ErrAlreadyConnected
	}

	if !s.registered && s.opts.registerer != nil {
		if err := s.metrics.register(s.opts.registerer); err != nil {
			return err
		}
		s.registered = true
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.connectAttempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff(s.opts.reconnectBackoff, attempt-1)
			s.logger.Info("reconnecting", "session", s.id, "path", s.path, "attempt", attempt, "delay", delay)
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}

		conn, err := dial(ctx, s.path, s.opts)
		if err == nil {
			s.conn = conn
			s.setState(StateConnected)
			s.logger.Info("connection established", "session", s.id, "path", s.path)
			return nil
		}

		lastErr = err
		s.logger.Warn("connect failed", "session", s.id, "path", s.path, "attempt", attempt, "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return lastErr
}

// Close closes the connection and returns the session to StateDisconnected.
// Session metrics are unregistered until the next Connect.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		s.metrics.unregister(s.opts.registerer)
		s.registered = false
	}

	conn := s.conn
	s.conn = nil
	s.setState(StateDisconnected)
	if conn == nil {
		return nil
	}

	s.logger.Info("connection closed", "session", s.id, "path", s.path)
	return conn.Close()
}

func (s *Session) connection() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// release drops conn if a failed operation closed it. It reports whether
// the connection is gone.
func (s *Session) release(conn *Conn, cause error) bool {
	if !conn.IsClosed() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		s.conn = nil
		s.setState(StateDisconnected)
		s.logger.Info("connection lost", "session", s.id, "path", s.path, "error", cause)
	}
	return true
}

// settle marks the session idle again after a receive on conn, unless the
// session has since moved to another connection or been closed.
func (s *Session) settle(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		s.setState(StateConnected)
	}
}

func (s *Session) nextCommand(buttons Buttons) Command {
	return Command{
		Sequence:  s.lastSeq.Add(1),
		Timestamp: s.opts.clock().UnixMilli(),
		Buttons:   buttons,
	}
}

// Send builds the next command from buttons and writes it as one frame.
// It returns the command that was sent.
func (s *Session) Send(ctx context.Context, buttons Buttons) (Command, error) {
	conn, err := s.connection()
	if err != nil {
		return Command{}, err
	}

	cmd := s.nextCommand(buttons)
	return cmd, s.send(ctx, conn, cmd)
}

func (s *Session) send(ctx context.Context, conn *Conn, cmd Command) error {
	payload, err := s.opts.codec.EncodeCommand(cmd)
	if err != nil {
		s.metrics.codecErrors.Inc()
		return errors.Wrapf(ErrCodec, "encode command %d: %v", cmd.Sequence, err)
	}
	// A zero length header means "not ready" to the peer.
	if len(payload) == 0 {
		s.metrics.codecErrors.Inc()
		return errors.Wrapf(ErrCodec, "encode command %d: empty payload", cmd.Sequence)
	}

	if err := conn.WriteFrame(ctx, payload); err != nil {
		s.release(conn, err)
		return err
	}

	s.metrics.framesSent.Inc()
	s.logger.Debug("command sent", "session", s.id, "sequence", cmd.Sequence,
		"buttons", cmd.Buttons.String(), "bytes", len(payload))
	return nil
}

// Enqueue queues buttons for the write loop of Run without blocking.
// It returns ErrBufferFull when the queue is full.
func (s *Session) Enqueue(buttons Buttons) error {
	if _, err := s.connection(); err != nil {
		return err
	}

	select {
	case s.sendQueue <- buttons:
		return nil
	default:
		return ErrBufferFull
	}
}

// EnqueueBlocking queues buttons for the write loop of Run, waiting for
// queue space until ctx is done.
func (s *Session) EnqueueBlocking(ctx context.Context, buttons Buttons) error {
	if _, err := s.connection(); err != nil {
		return err
	}

	select {
	case s.sendQueue <- buttons:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveNext blocks until the next screenshot arrives and returns it.
// Zero-length headers are polled with the poll backoff until a frame is
// announced or ctx is done.
func (s *Session) ReceiveNext(ctx context.Context) (Response, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return Response{}, err
	}

	body, err := s.readFrame(ctx, conn)
	if err != nil {
		if !s.release(conn, err) {
			s.settle(conn)
		}
		return Response{}, err
	}
	s.settle(conn)

	resp, err := s.opts.codec.DecodeResponse(body)
	if err != nil {
		s.metrics.codecErrors.Inc()
		return Response{}, errors.Wrapf(ErrCodec, "decode frame of %d bytes: %v", len(body), err)
	}

	s.logger.Debug("screenshot received", "session", s.id, "sequence", resp.Sequence,
		"chunks", len(resp.Chunks), "bytes", resp.Len())
	return resp, nil
}

// readFrame returns the body of the next non-empty frame.
func (s *Session) readFrame(ctx context.Context, conn *Conn) ([]byte, error) {
	length, err := s.awaitHeader(ctx, conn)
	if err != nil {
		return nil, err
	}

	s.setState(StateAccumulatingBody)
	segments, err := s.accumulate(ctx, conn, length)
	if err != nil {
		return nil, err
	}

	s.metrics.framesReceived.Inc()
	if len(segments) == 1 {
		return segments[0], nil
	}
	return bytes.Join(segments, nil), nil
}

// awaitHeader reads headers until one announces a body.
func (s *Session) awaitHeader(ctx context.Context, conn *Conn) (uint32, error) {
	s.setState(StateAwaitingHeader)

	for attempt := 1; ; attempt++ {
		length, err := conn.ReadHeader(ctx)
		if err != nil {
			return 0, err
		}

		if length > s.opts.maxFrameSize {
			err := errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", length, s.opts.maxFrameSize)
			conn.fail(err)
			return 0, err
		}
		if length > 0 {
			return length, nil
		}

		s.metrics.notReadyPolls.Inc()
		if err := sleepContext(ctx, s.backoff(s.opts.pollBackoff, attempt)); err != nil {
			return 0, err
		}
	}
}

// accumulate reads exactly length body bytes in chunks of at most
// chunkSize, keeping every read as its own segment.
func (s *Session) accumulate(ctx context.Context, conn *Conn, length uint32) ([][]byte, error) {
	var (
		segments  [][]byte
		remaining = int(length)
	)

	for remaining > 0 {
		seg, err := conn.ReadChunk(ctx, min(s.opts.chunkSize, remaining))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.Wrapf(ErrTruncatedMessage, "received %d of %d bytes", int(length)-remaining, length)
			}
			return nil, err
		}

		segments = append(segments, seg)
		remaining -= len(seg)
		s.metrics.bytesReceived.Add(float64(len(seg)))
	}
	return segments, nil
}

// Run receives screenshots and hands each to onResponse while sending the
// commands queued by Enqueue. It blocks until ctx is canceled, onResponse
// returns an error, or the connection fails.
//
// Codec errors are passed to the OnErrorOption callback; Continue skips the
// message. Run does not close the session when it returns.
func (s *Session) Run(ctx context.Context, onResponse func(Response) error) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}

	s.logger.Info("session running", "session", s.id, "path", s.path)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.readLoop(child, onResponse)
	})

	group.Go(func() error {
		return s.writeLoop(child, conn)
	})

	err = group.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Info("session stopped with error", "session", s.id, "error", err)
	} else {
		s.logger.Info("session stopped", "session", s.id)
	}

	return err
}

// readLoop receives frames until an error ends the session.
func (s *Session) readLoop(ctx context.Context, onResponse func(Response) error) error {
	for {
		resp, err := s.ReceiveNext(ctx)
		if err != nil {
			if ctx.Err() != nil || IsFatal(err) {
				return err
			}
			s.logger.Debug("read error", "session", s.id, "error", err)
			if s.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		if err = onResponse(resp); err != nil {
			return err
		}
	}
}

// writeLoop sends queued commands until ctx is canceled or a write fails.
func (s *Session) writeLoop(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buttons := <-s.sendQueue:
			err := s.send(ctx, conn, s.nextCommand(buttons))
			if err == nil {
				continue
			}
			if ctx.Err() != nil || IsFatal(err) {
				return err
			}
			s.logger.Debug("write error", "session", s.id, "error", err)
			if s.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}
