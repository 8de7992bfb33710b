// Command emulator is a stand-in for the emulator end of the agent socket.
// It logs every button command it receives and answers each one with a
// screenshot read from disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mreiferson/go-options"
	"github.com/rs/zerolog"

	"github.com/Zereker/agentlink"
)

type emulatorOptions struct {
	Socket   string        `flag:"socket"`
	Image    string        `flag:"image"`
	NotReady int           `flag:"not-ready"`
	Delay    time.Duration `flag:"delay"`
	Chunks   int           `flag:"chunks"`
	LogLevel string        `flag:"log-level"`
	MaxFrame int64         `flag:"max-frame-size"`
	Shutdown time.Duration `flag:"shutdown-timeout"`
}

func newEmulatorOptions() *emulatorOptions {
	return &emulatorOptions{
		Socket:   agentlink.DefaultSocketPath,
		NotReady: 2,
		Delay:    10 * time.Millisecond,
		Chunks:   1,
		LogLevel: "info",
		MaxFrame: 64 << 20,
		Shutdown: time.Second,
	}
}

func emulatorFlagSet(opts *emulatorOptions) *flag.FlagSet {
	flagSet := flag.NewFlagSet("emulator", flag.ExitOnError)

	flagSet.String("config", "", "path to config file")
	flagSet.String("socket", opts.Socket, "path to bind the agent socket at")
	flagSet.String("image", opts.Image, "image file sent as the screenshot (a generated placeholder if empty)")
	flagSet.Int("not-ready", opts.NotReady, "zero headers sent before each screenshot")
	flagSet.Duration("delay", opts.Delay, "pause between zero headers")
	flagSet.Int("chunks", opts.Chunks, "number of png_data entries the image is split into")
	flagSet.String("log-level", opts.LogLevel, "debug, info, warn or error")
	flagSet.Int64("max-frame-size", opts.MaxFrame, "largest command frame accepted")
	flagSet.Duration("shutdown-timeout", opts.Shutdown, "time given to connected agents on shutdown")

	return flagSet
}

func main() {
	opts := newEmulatorOptions()
	flagSet := emulatorFlagSet(opts)
	_ = flagSet.Parse(os.Args[1:])

	var cfg map[string]interface{}
	if configFile := flagSet.Lookup("config").Value.String(); configFile != "" {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
	options.Resolve(opts, flagSet, cfg)

	lvl, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := agentlink.ZerologLogger(zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "emulator").Logger())

	maxFrame, err := frameLimit(opts.MaxFrame)
	if err != nil {
		logger.Error("invalid option", "error", err)
		os.Exit(1)
	}

	image, err := loadImage(opts.Image)
	if err != nil {
		logger.Error("failed to load image", "error", err)
		os.Exit(1)
	}

	server, err := agentlink.Listen(opts.Socket,
		agentlink.ServerLoggerOption(logger),
		agentlink.ServerShutdownTimeoutOption(opts.Shutdown),
		agentlink.ServerConnOptions(agentlink.MaxFrameSizeOption(maxFrame)),
	)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := &screenshotHandler{
		logger:   logger,
		image:    image,
		notReady: opts.NotReady,
		delay:    opts.Delay,
		chunks:   opts.Chunks,
	}
	if err := server.Serve(ctx, h); err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// frameLimit checks that n fits the 32-bit frame length.
func frameLimit(n int64) (uint32, error) {
	if n <= 0 || n > math.MaxUint32 {
		return 0, fmt.Errorf("max-frame-size %d out of range 1..%d", n, uint64(math.MaxUint32))
	}
	return uint32(n), nil
}

func loadImage(path string) ([]byte, error) {
	if path == "" {
		// PNG signature followed by filler, enough for a client to store.
		return append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 1024)...), nil
	}
	return os.ReadFile(path)
}

type screenshotHandler struct {
	logger   agentlink.Logger
	codec    agentlink.ProtoCodec
	image    []byte
	notReady int
	delay    time.Duration
	chunks   int
}

func (h *screenshotHandler) Handle(ctx context.Context, conn *agentlink.Conn) {
	var sent uint64
	for {
		body, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Info("agent disconnected", "error", err)
			}
			return
		}
		if body == nil {
			continue
		}

		cmd, err := h.codec.DecodeCommand(body)
		if err != nil {
			h.logger.Warn("bad command", "error", err)
			continue
		}
		h.logger.Info("command received", "sequence", cmd.Sequence, "buttons", cmd.Buttons.String())

		for i := 0; i < h.notReady; i++ {
			if err := conn.WriteNotReady(ctx); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.delay):
			}
		}

		sent++
		payload, err := h.codec.EncodeResponse(agentlink.Response{
			Sequence:  sent,
			Timestamp: time.Now().UnixMilli(),
			Chunks:    split(h.image, h.chunks),
		})
		if err != nil {
			h.logger.Error("encode screenshot", "error", err)
			return
		}
		if err := conn.WriteFrame(ctx, payload); err != nil {
			h.logger.Info("send screenshot failed", "error", err)
			return
		}
	}
}

// split cuts b into n nearly equal parts.
func split(b []byte, n int) [][]byte {
	if n <= 1 || len(b) < n {
		return [][]byte{b}
	}
	size := (len(b) + n - 1) / n
	parts := make([][]byte, 0, n)
	for len(b) > 0 {
		k := min(size, len(b))
		parts = append(parts, b[:k])
		b = b[k:]
	}
	return parts
}
