package agentlink

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawCodec encodes commands as protobuf and returns response bodies as a
// single chunk.
type rawCodec struct {
	ProtoCodec
}

func (rawCodec) DecodeResponse(b []byte) (Response, error) {
	return Response{Chunks: [][]byte{b}}, nil
}

// failingCodec rejects every response body.
type failingCodec struct {
	ProtoCodec
}

func (failingCodec) DecodeResponse([]byte) (Response, error) {
	return Response{}, errors.New("bad payload")
}

// emptyCodec encodes every command to an empty body.
type emptyCodec struct {
	ProtoCodec
}

func (emptyCodec) EncodeCommand(Command) ([]byte, error) {
	return []byte{}, nil
}

// attach gives s a connection without dialing.
func attach(s *Session, raw net.Conn) *Conn {
	conn := NewConn(raw, LoggerOption(s.logger))
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)
	return conn
}

// testSocketPath returns a short socket path; t.TempDir can exceed the
// sun_path limit for long test names.
func testSocketPath(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "al")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// startServer serves handler on a fresh socket until the test ends.
func startServer(t *testing.T, handler HandlerFunc) string {
	t.Helper()

	path := testSocketPath(t)
	srv, err := Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return path
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func newConnectedSession(t *testing.T, path string, opt ...Option) *Session {
	t.Helper()

	s, err := NewSession(path, opt...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSession_MissingCodec(t *testing.T) {
	_, err := NewSession("")
	assert.Equal(t, ErrInvalidCodec, err)
}

func TestNewSession_Defaults(t *testing.T) {
	s, err := NewSession("", CodecOption(ProtoCodec{}))
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, s.Path())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, uint64(0), s.Sequence())
}

func TestSession_NotConnected(t *testing.T) {
	s, err := NewSession(testSocketPath(t), CodecOption(ProtoCodec{}))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = s.Send(ctx, Press(ButtonA))
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = s.ReceiveNext(ctx)
	assert.True(t, errors.Is(err, ErrNotConnected))

	assert.True(t, errors.Is(s.Enqueue(Press(ButtonA)), ErrNotConnected))
	assert.True(t, errors.Is(s.Run(ctx, func(Response) error { return nil }), ErrNotConnected))
}

func TestSession_ConnectMissingSocket(t *testing.T) {
	s, err := NewSession(testSocketPath(t), CodecOption(ProtoCodec{}))
	require.NoError(t, err)

	err = s.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_ConnectRetries(t *testing.T) {
	path := testSocketPath(t)

	listening := make(chan *Server, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		srv, err := Listen(path)
		if err != nil {
			close(listening)
			return
		}
		listening <- srv
	}()

	s, err := NewSession(path,
		CodecOption(ProtoCodec{}),
		ConnectAttemptsOption(20),
		ReconnectBackoffOption(BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1}),
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	srv := <-listening
	require.NotNil(t, srv)
	srv.Close()
}

func TestSession_ConnectTwice(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) { <-ctx.Done() })
	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}))

	assert.Equal(t, ErrAlreadyConnected, s.Connect(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	_, err := s.Send(context.Background(), Press(ButtonA))
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSession_SendAndReceive(t *testing.T) {
	commands := make(chan Command, 1)
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		body, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		cmd, err := ProtoCodec{}.DecodeCommand(body)
		if err != nil {
			return
		}
		commands <- cmd

		for i := 0; i < 3; i++ {
			if conn.WriteNotReady(ctx) != nil {
				return
			}
		}
		if conn.WriteFrame(ctx, []byte("hello")) != nil {
			return
		}
		<-ctx.Done()
	})

	now := time.UnixMilli(1700000000123)
	reg := prometheus.NewRegistry()
	s := newConnectedSession(t, path,
		CodecOption(rawCodec{}),
		SequenceStartOption(4),
		ClockOption(func() time.Time { return now }),
		MetricsOption(reg),
	)

	ctx := context.Background()

	sent, err := s.Send(ctx, Press(ButtonA, ButtonRight))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sent.Sequence)
	assert.Equal(t, uint64(4), s.Sequence())

	got := <-commands
	assert.Equal(t, uint64(4), got.Sequence)
	assert.Equal(t, now.UnixMilli(), got.Timestamp)
	assert.Equal(t, Buttons{true, false, false, false, false, false, false, true}, got.Buttons)

	resp, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Image()))
	assert.Equal(t, StateConnected, s.State())

	assert.Equal(t, 3.0, counterValue(t, reg, "agentlink_session_not_ready_polls_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "agentlink_session_frames_received_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "agentlink_session_frames_sent_total"))
	assert.Equal(t, 5.0, counterValue(t, reg, "agentlink_session_bytes_received_total"))

	// Nothing more arrives; the session keeps waiting until canceled.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = s.ReceiveNext(waitCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_SendEmptyPayload(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewSession("unused", CodecOption(emptyCodec{}), MetricsOption(reg))
	require.NoError(t, err)

	raw := &fakeConn{}
	conn := attach(s, raw)

	_, err = s.Send(context.Background(), Press(ButtonA))
	require.True(t, errors.Is(err, ErrCodec), "got %v", err)
	assert.False(t, IsFatal(err))

	assert.Equal(t, 0, raw.writeCount(), "an empty command must not reach the peer as a zero header")
	assert.False(t, conn.IsClosed())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1.0, counterValue(t, reg, "agentlink_session_codec_errors_total"))
	assert.Equal(t, 0.0, counterValue(t, reg, "agentlink_session_frames_sent_total"))
}

func TestSession_SettleAfterClose(t *testing.T) {
	s, err := NewSession("unused", CodecOption(rawCodec{}))
	require.NoError(t, err)

	conn := attach(s, &fakeConn{})
	s.setState(StateAccumulatingBody)

	// A receive finishing after Close must not revive the session.
	require.NoError(t, s.Close())
	s.settle(conn)
	assert.Equal(t, StateDisconnected, s.State())

	// A receive on a replaced connection leaves the new one alone.
	attach(s, &fakeConn{})
	s.setState(StateAwaitingHeader)
	s.settle(conn)
	assert.Equal(t, StateAwaitingHeader, s.State())
}

func TestSession_MetricsUnregisteredOnClose(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) { <-ctx.Done() })

	reg := prometheus.NewRegistry()
	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}), MetricsOption(reg))

	_, err := s.Send(context.Background(), Press(ButtonA))
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, reg, "agentlink_session_frames_sent_total"))

	require.NoError(t, s.Close())
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "closed session should leave no series behind")

	// Reconnecting exports the same counters again.
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1.0, counterValue(t, reg, "agentlink_session_frames_sent_total"))
}

func TestSession_SequenceIncrements(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		for {
			if _, err := conn.ReadFrame(ctx); err != nil {
				return
			}
		}
	})
	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}))

	for want := uint64(1); want <= 3; want++ {
		cmd, err := s.Send(context.Background(), Buttons{})
		require.NoError(t, err)
		assert.Equal(t, want, cmd.Sequence)
	}
}

func TestSession_AccumulateChunks(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	s, err := NewSession("unused", CodecOption(rawCodec{}))
	require.NoError(t, err)
	conn := NewConn(local)
	defer conn.Close()

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i)
	}
	go peer.Write(body)

	segments, err := s.accumulate(context.Background(), conn, uint32(len(body)))
	require.NoError(t, err)

	var sizes []int
	var joined []byte
	for _, seg := range segments {
		sizes = append(sizes, len(seg))
		joined = append(joined, seg...)
	}
	assert.Equal(t, []int{4046, 4046, 1908}, sizes)
	assert.Equal(t, body, joined)
}

func TestSession_ReceiveTruncated(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		conn.WriteAll(ctx, append(header(100), make([]byte, 60)...))
	})
	s := newConnectedSession(t, path, CodecOption(rawCodec{}))

	_, err := s.ReceiveNext(context.Background())
	assert.True(t, errors.Is(err, ErrTruncatedMessage), "got %v", err)
	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.ReceiveNext(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSession_ReceiveTooLarge(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		conn.WriteAll(ctx, header(1024))
		<-ctx.Done()
	})
	s := newConnectedSession(t, path, CodecOption(rawCodec{}), MaxFrameSizeOption(512))

	_, err := s.ReceiveNext(context.Background())
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_CodecErrorKeepsConnection(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		conn.WriteFrame(ctx, []byte("one"))
		conn.WriteFrame(ctx, []byte("two"))
		<-ctx.Done()
	})
	reg := prometheus.NewRegistry()
	s := newConnectedSession(t, path, CodecOption(failingCodec{}), MetricsOption(reg))

	for i := 0; i < 2; i++ {
		_, err := s.ReceiveNext(context.Background())
		assert.True(t, errors.Is(err, ErrCodec), "got %v", err)
		assert.False(t, IsFatal(err))
		assert.Equal(t, StateConnected, s.State())
	}
	assert.Equal(t, 2.0, counterValue(t, reg, "agentlink_session_codec_errors_total"))
}

func TestSession_PeerClosedWhileWaiting(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {})
	s := newConnectedSession(t, path, CodecOption(rawCodec{}))

	_, err := s.ReceiveNext(context.Background())
	assert.True(t, errors.Is(err, ErrUnexpectedEOF), "got %v", err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_Run(t *testing.T) {
	var received atomic.Int32
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		for {
			body, err := conn.ReadFrame(ctx)
			if err != nil {
				return
			}
			cmd, err := ProtoCodec{}.DecodeCommand(body)
			if err != nil {
				return
			}
			received.Add(1)

			payload, _ := ProtoCodec{}.EncodeResponse(Response{
				Sequence: cmd.Sequence,
				Chunks:   [][]byte{[]byte("png:"), []byte(cmd.Buttons.String())},
			})
			if conn.WriteFrame(ctx, payload) != nil {
				return
			}
		}
	})

	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}), BufferSizeOption(2))

	require.NoError(t, s.Enqueue(Press(ButtonStart)))

	var responses []Response
	stop := errors.New("stop")
	err := s.Run(context.Background(), func(resp Response) error {
		responses = append(responses, resp)
		if len(responses) == 1 {
			return s.Enqueue(Press(ButtonB))
		}
		return stop
	})
	require.True(t, errors.Is(err, stop), "got %v", err)

	require.Len(t, responses, 2)
	assert.Equal(t, uint64(1), responses[0].Sequence)
	assert.Equal(t, "png:[Start]", string(responses[0].Image()))
	assert.Equal(t, uint64(2), responses[1].Sequence)
	assert.Equal(t, "png:[B]", string(responses[1].Image()))
	assert.Equal(t, int32(2), received.Load())

	// Run leaves the session connected.
	assert.NotEqual(t, StateDisconnected, s.State())
}

func TestSession_RunCanceled(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) { <-ctx.Done() })
	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(Response) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestSession_RunCodecErrorDisconnect(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) {
		conn.WriteFrame(ctx, []byte("junk"))
		<-ctx.Done()
	})

	var seen error
	s := newConnectedSession(t, path,
		CodecOption(failingCodec{}),
		OnErrorOption(func(err error) ErrorAction {
			seen = err
			return Disconnect
		}),
	)

	err := s.Run(context.Background(), func(Response) error { return nil })
	assert.True(t, errors.Is(err, ErrCodec), "got %v", err)
	assert.True(t, errors.Is(seen, ErrCodec))
}

func TestSession_EnqueueBufferFull(t *testing.T) {
	path := startServer(t, func(ctx context.Context, conn *Conn) { <-ctx.Done() })
	s := newConnectedSession(t, path, CodecOption(ProtoCodec{}), BufferSizeOption(1))

	require.NoError(t, s.Enqueue(Press(ButtonUp)))
	assert.Equal(t, ErrBufferFull, s.Enqueue(Press(ButtonDown)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, s.EnqueueBlocking(ctx, Press(ButtonDown)))
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, cfg.Delay(0, nil))
	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1, nil))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2, nil))
	assert.Equal(t, 40*time.Millisecond, cfg.Delay(3, nil))
	assert.Equal(t, 50*time.Millisecond, cfg.Delay(4, nil))
	assert.Equal(t, time.Duration(0), BackoffConfig{}.Delay(3, nil))

	cfg.Jitter = true
	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1, nil), "no rng means no jitter")

	first := cfg.Delay(1, rand.New(rand.NewSource(7)))
	assert.Equal(t, first, cfg.Delay(1, rand.New(rand.NewSource(7))))
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.Less(t, first, 15*time.Millisecond)

	third := cfg.Delay(3, rand.New(rand.NewSource(7)))
	assert.GreaterOrEqual(t, third, 20*time.Millisecond)
	assert.Less(t, third, 60*time.Millisecond)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, sleepContext(ctx, time.Hour))
	assert.Equal(t, context.Canceled, sleepContext(ctx, 0))
}
