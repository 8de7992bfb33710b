package agentlink

import (
	"encoding/binary"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorAction defines the action Session.Run takes when a message fails to decode.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps receiving.
	Continue
)

// Default configuration values.
const (
	// DefaultSocketPath is where the emulator binds its agent socket.
	DefaultSocketPath = "/tmp/nes_screenshot_server.sock"

	// defaultChunkSize is the read size used while accumulating a frame body.
	defaultChunkSize = 4046
	// defaultMaxFrameSize bounds a single received frame (64MB).
	defaultMaxFrameSize = 64 * 1024 * 1024
	// defaultBufferSize is the size of the queued command channel.
	defaultBufferSize = 1
	// defaultConnectAttempts disables reconnect retries.
	defaultConnectAttempts = 1
)

// options holds the configuration for connections and sessions.
type options struct {
	codec  Codec
	logger Logger
	order  binary.ByteOrder
	clock  func() time.Time

	// onError is called when Run fails to decode a response.
	// Returns Disconnect to end Run, Continue to skip the message.
	onError func(error) ErrorAction

	chunkSize       int
	maxFrameSize    uint32
	bufferSize      int
	connectAttempts int
	sequenceStart   uint64
	readTimeout     time.Duration // bounds one blocking read operation, 0 = none
	writeTimeout    time.Duration // bounds one blocking write operation, 0 = none

	pollBackoff      BackoffConfig
	reconnectBackoff BackoffConfig

	registerer prometheus.Registerer
}

// Option is a function that configures connection and session options.
type Option func(*options)

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.order == nil {
		opts.order = DefaultByteOrder
	}

	if opts.clock == nil {
		opts.clock = time.Now
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Continue }
	}

	if opts.chunkSize <= 0 {
		opts.chunkSize = defaultChunkSize
	}

	if opts.maxFrameSize == 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.connectAttempts <= 0 {
		opts.connectAttempts = defaultConnectAttempts
	}

	if opts.sequenceStart == 0 {
		opts.sequenceStart = 1
	}

	if opts.pollBackoff == (BackoffConfig{}) {
		opts.pollBackoff = DefaultPollBackoff()
	}

	if opts.reconnectBackoff == (BackoffConfig{}) {
		opts.reconnectBackoff = DefaultReconnectBackoff()
	}
}

func newOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// CodecOption sets the payload codec. A session requires one.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ByteOrderOption sets the byte order of the length header.
// It must match the peer; the default is the host byte order.
func ByteOrderOption(order binary.ByteOrder) Option {
	return func(o *options) {
		o.order = order
	}
}

// ClockOption sets the time source used to stamp commands.
func ClockOption(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// OnErrorOption sets the callback Session.Run invokes for codec errors.
// Framing errors always end Run regardless of the returned action.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// ChunkSizeOption sets how many bytes are requested per read while a
// frame body is accumulated.
func ChunkSizeOption(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// MaxFrameSizeOption sets the largest frame body that will be sent or received.
func MaxFrameSizeOption(size uint32) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// BufferSizeOption sets the size of the command queue used by Session.Run.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ConnectAttemptsOption sets how many times Session.Connect dials before
// giving up. Attempts are spaced by the reconnect backoff.
func ConnectAttemptsOption(attempts int) Option {
	return func(o *options) {
		o.connectAttempts = attempts
	}
}

// SequenceStartOption sets the sequence number of the first command a
// session sends. Later commands count up from it.
func SequenceStartOption(first uint64) Option {
	return func(o *options) {
		o.sequenceStart = first
	}
}

// ReadTimeoutOption bounds each blocking read operation.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// WriteTimeoutOption bounds each blocking write operation.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// PollBackoffOption sets the wait between polls while the peer keeps
// answering with zero-length headers.
func PollBackoffOption(cfg BackoffConfig) Option {
	return func(o *options) {
		o.pollBackoff = cfg
	}
}

// ReconnectBackoffOption sets the wait between connection attempts.
func ReconnectBackoffOption(cfg BackoffConfig) Option {
	return func(o *options) {
		o.reconnectBackoff = cfg
	}
}

// MetricsOption registers session metrics with the given registerer.
func MetricsOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
