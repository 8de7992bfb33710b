// Command agent connects to the emulator agent socket, sends a button
// command and stores every screenshot it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mreiferson/go-options"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Zereker/agentlink"
	"github.com/Zereker/agentlink/sink"
)

type agentOptions struct {
	Socket          string        `flag:"socket"`
	Buttons         string        `flag:"buttons"`
	Repeat          time.Duration `flag:"repeat"`
	ChunkSize       int           `flag:"chunk-size"`
	ConnectAttempts int           `flag:"connect-attempts"`
	MaxFrames       int           `flag:"max-frames"`
	Output          string        `flag:"output"`
	OutputMode      string        `flag:"output-mode"`
	RedisAddress    string        `flag:"redis-address"`
	MetricsAddress  string        `flag:"metrics-address"`
	LogLevel        string        `flag:"log-level"`
}

func newAgentOptions() *agentOptions {
	return &agentOptions{
		Socket:          agentlink.DefaultSocketPath,
		Buttons:         "",
		ChunkSize:       4046,
		ConnectAttempts: 5,
		Output:          "screenshots",
		OutputMode:      "per-frame",
		LogLevel:        "info",
	}
}

func agentFlagSet(opts *agentOptions) *flag.FlagSet {
	flagSet := flag.NewFlagSet("agent", flag.ExitOnError)

	flagSet.String("config", "", "path to config file")
	flagSet.String("socket", opts.Socket, "path of the emulator agent socket")
	flagSet.String("buttons", opts.Buttons, "buttons to press, e.g. \"A,Right\"")
	flagSet.Duration("repeat", opts.Repeat, "resend the button command at this interval (0 sends once)")
	flagSet.Int("chunk-size", opts.ChunkSize, "bytes requested per read while receiving a frame")
	flagSet.Int("connect-attempts", opts.ConnectAttempts, "connection attempts before giving up")
	flagSet.Int("max-frames", opts.MaxFrames, "exit after this many screenshots (0 runs until interrupted)")
	flagSet.String("output", opts.Output, "screenshot directory (per-frame) or file (overwrite, append)")
	flagSet.String("output-mode", opts.OutputMode, "per-frame, overwrite or append")
	flagSet.String("redis-address", opts.RedisAddress, "store screenshots in redis at <addr>:<port> instead of files")
	flagSet.String("metrics-address", opts.MetricsAddress, "<addr>:<port> to serve prometheus metrics on")
	flagSet.String("log-level", opts.LogLevel, "debug, info, warn or error")

	return flagSet
}

var errEnough = errors.New("frame limit reached")

func main() {
	opts := newAgentOptions()
	flagSet := agentFlagSet(opts)
	_ = flagSet.Parse(os.Args[1:])

	var cfg map[string]interface{}
	if configFile := flagSet.Lookup("config").Value.String(); configFile != "" {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
	options.Resolve(opts, flagSet, cfg)

	logger := newLogger(opts.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) agentlink.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return agentlink.ZerologLogger(zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "agent").Logger())
}

func newSink(ctx context.Context, opts *agentOptions) (sink.Sink, error) {
	if opts.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", opts.RedisAddress, err)
		}
		return sink.NewRedisSink(client, "screenshot", sink.DefaultTTL), nil
	}

	mode, err := sink.ParseMode(opts.OutputMode)
	if err != nil {
		return nil, err
	}
	return sink.NewFileSink(opts.Output, mode)
}

func run(ctx context.Context, opts *agentOptions, logger agentlink.Logger) error {
	buttons, err := agentlink.ParseButtons(opts.Buttons)
	if err != nil {
		return err
	}

	store, err := newSink(ctx, opts)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	if opts.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.MetricsAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	session, err := agentlink.NewSession(opts.Socket,
		agentlink.CodecOption(agentlink.ProtoCodec{}),
		agentlink.LoggerOption(logger),
		agentlink.ChunkSizeOption(opts.ChunkSize),
		agentlink.ConnectAttemptsOption(opts.ConnectAttempts),
		agentlink.MetricsOption(registry),
	)
	if err != nil {
		return err
	}

	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Close()

	cmd, err := session.Send(ctx, buttons)
	if err != nil {
		return err
	}
	logger.Info("command sent", "sequence", cmd.Sequence, "buttons", cmd.Buttons.String())

	if opts.Repeat > 0 {
		go func() {
			ticker := time.NewTicker(opts.Repeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := session.EnqueueBlocking(ctx, buttons); err != nil {
						return
					}
				}
			}
		}()
	}

	var frames uint64
	err = session.Run(ctx, func(resp agentlink.Response) error {
		frames++
		if err := store.Store(ctx, frames, resp.Image()); err != nil {
			return err
		}
		logger.Info("screenshot stored", "frame", frames, "bytes", resp.Len())

		if opts.MaxFrames > 0 && frames >= uint64(opts.MaxFrames) {
			return errEnough
		}
		return nil
	})

	if errors.Is(err, errEnough) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
