// Command bridge-srv is the server side of an HTTP tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/httpbridge/internal/conn"
	"github.com/die-net/httpbridge/internal/logging"
	"github.com/die-net/httpbridge/internal/protocol"
	"github.com/die-net/httpbridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

const usageText = `Usage:  bridge-srv [flags] [PORT [PATH]]

bridge-srv is the server side of an HTTP tunnel.  It listens for
connections on PORT (default 8080) and fields HTTP requests under PATH
(default /bridge) to implement a proxy protocol using only HTTP methods.

The bridge-clnt program connects to PORT and requests a connection to a
particular server at a particular port.  bridge-srv establishes that
connection and then relays traffic between the client and the target
server unchanged.

Example:
    bridge-srv 80 /bridge

Flags:
`

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	listenAddr  string
	debugListen string
	verbose     bool
	cfg         server.Config
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("bridge-srv", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	var (
		listenHost   = fs.String("listen-host", "", "Address to listen on. Empty listens on all interfaces.")
		dialTimeout  = fs.Duration("dial-timeout", server.DefaultDialTimeout, "Timeout for DNS lookup and TCP connect to tunnel targets")
		writeTimeout = fs.Duration("write-timeout", server.DefaultWriteTimeout, "Maximum time one send may spend writing to the target")
		chunkSize    = fs.Int("chunk-size", protocol.DefaultChunkSize, "Maximum bytes returned by one poll")
		maxSend      = fs.Int64("max-send", server.DefaultMaxSend, "Maximum bytes accepted by one send")
		idleTimeout  = fs.Duration("idle-timeout", server.DefaultIdleTimeout, "Close sessions idle this long. 0 disables.")
		reapInterval = fs.Duration("reap-interval", server.DefaultReapInterval, "How often to look for idle sessions")
		tcpKeepAlive = fs.String("tcp-keepalive", conn.DefaultKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen  = fs.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		verbose      = fs.Bool("verbose", false, "Enable per-request logging")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	port, path := 8080, protocol.DefaultPath
	rest := fs.Args()
	switch {
	case len(rest) > 2:
		fs.Usage()
		return nil, fmt.Errorf("invalid argument: %s", rest[2])
	case len(rest) >= 1:
		p, err := protocol.ParsePort(rest[0])
		if err != nil {
			fs.Usage()
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		port = p
		if len(rest) == 2 {
			path = rest[1]
		}
	}

	ka, err := conn.ParseKeepAlive(*tcpKeepAlive)
	if err != nil {
		return nil, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *chunkSize <= 0 {
		return nil, errors.New("invalid --chunk-size: must be > 0")
	}
	if *maxSend <= 0 {
		return nil, errors.New("invalid --max-send: must be > 0")
	}

	return &options{
		listenAddr:  net.JoinHostPort(*listenHost, strconv.Itoa(port)),
		debugListen: *debugListen,
		verbose:     *verbose,
		cfg: server.Config{
			Path:         path,
			DialTimeout:  *dialTimeout,
			WriteTimeout: *writeTimeout,
			ChunkSize:    *chunkSize,
			MaxSend:      *maxSend,
			IdleTimeout:  *idleTimeout,
			ReapInterval: *reapInterval,
			KeepAlive:    ka,
		},
	}, nil
}

func run(args []string, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}

	logger := logging.New(opts.verbose)
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts.cfg.Metrics = server.NewMetrics(reg)
	opts.cfg.Logger = logger

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if opts.debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: opts.cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", opts.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", zap.String("addr", opts.debugListen))
	}

	ln, err := conn.ListenTCP(ctx, "tcp", opts.listenAddr, opts.cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	srv := server.New(ctx, opts.cfg)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("bridge serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		srv.RunReaper(ctx)
		return nil
	})
	logger.Info("bridge listening",
		zap.String("addr", opts.listenAddr),
		zap.String("path", protocol.CleanPath(opts.cfg.Path)))

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
