// Command bridge-clnt is the client side of an HTTP tunnel. It accepts one
// local TCP connection and relays it through a bridge-srv instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/client"
	"github.com/die-net/httpbridge/internal/conn"
	"github.com/die-net/httpbridge/internal/logging"
	"github.com/die-net/httpbridge/internal/protocol"
)

const usageText = `Usage: bridge-clnt [flags] PORT PROXY_URL REMOTE_HOST REMOTE_PORT

Listens on PORT for a single local connection and tunnels it to
REMOTE_HOST:REMOTE_PORT through the bridge-srv instance at PROXY_URL
(e.g. http://bridge.example.com:8080/bridge).

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
	listenAddr string
	keepAlive  net.KeepAliveConfig
	verbose    bool
	cfg        client.Config
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("bridge-clnt", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	var (
		listenHost      = fs.String("listen-host", "127.0.0.1", "Address to accept the local connection on")
		upstream        = fs.String("upstream", defaultUpstream(), "How to reach the bridge: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
		upstreamMode    = fs.String("upstream-mode", client.UpstreamForward, "How an http(s) upstream carries bridge requests: forward (absolute-URI requests) | connect (CONNECT tunnels)")
		dialTimeout     = fs.Duration("dial-timeout", client.DefaultDialTimeout, "Timeout for DNS lookup and TCP connect to the bridge or upstream proxy")
		openTimeout     = fs.Duration("open-timeout", client.DefaultOpenTimeout, "Timeout for the bridge to connect to the remote host")
		pollTimeout     = fs.Duration("poll-timeout", client.DefaultPollTimeout, "Timeout for one poll request")
		sendTimeout     = fs.Duration("send-timeout", client.DefaultSendTimeout, "Timeout for one send request")
		maxBuffer       = fs.Int("max-buffer", client.DefaultMaxBuffer, "Maximum unsent local bytes before reads pause")
		minPollInterval = fs.Duration("min-poll-interval", client.DefaultMinPollInterval, "Initial delay between idle polls")
		maxPollInterval = fs.Duration("max-poll-interval", client.DefaultMaxPollInterval, "Maximum delay between idle polls")
		tcpKeepAlive    = fs.String("tcp-keepalive", conn.DefaultKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose         = fs.Bool("verbose", false, "Enable per-request logging")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) != 4 {
		fs.Usage()
		return nil, fmt.Errorf("expected 4 arguments, got %d", len(rest))
	}
	localPort, lerr := protocol.ParsePort(rest[0])
	remotePort, rerr := protocol.ParsePort(rest[3])
	if lerr != nil || rerr != nil {
		fs.Usage()
		return nil, fmt.Errorf("invalid port given (local: %s, remote: %s)", rest[0], rest[3])
	}
	if rest[2] == "" {
		fs.Usage()
		return nil, errors.New("missing REMOTE_HOST")
	}

	ka, err := conn.ParseKeepAlive(*tcpKeepAlive)
	if err != nil {
		return nil, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *upstreamMode != client.UpstreamForward && *upstreamMode != client.UpstreamConnect {
		return nil, fmt.Errorf("invalid --upstream-mode %q: want forward or connect", *upstreamMode)
	}
	if *maxBuffer <= 0 {
		return nil, errors.New("invalid --max-buffer: must be > 0")
	}
	if *maxPollInterval < *minPollInterval {
		return nil, errors.New("invalid --max-poll-interval: less than --min-poll-interval")
	}

	return &options{
		listenAddr: net.JoinHostPort(*listenHost, strconv.Itoa(localPort)),
		keepAlive:  ka,
		verbose:    *verbose,
		cfg: client.Config{
			BridgeURL:       rest[1],
			Target:          protocol.FormatTarget(rest[2], remotePort),
			Upstream:        *upstream,
			UpstreamMode:    *upstreamMode,
			DialTimeout:     *dialTimeout,
			KeepAlive:       ka,
			OpenTimeout:     *openTimeout,
			SendTimeout:     *sendTimeout,
			PollTimeout:     *pollTimeout,
			MinPollInterval: *minPollInterval,
			MaxPollInterval: *maxPollInterval,
			MaxBuffer:       *maxBuffer,
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
	opts.cfg.Logger = logger

	c, err := client.New(opts.cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	logger.Info("opening local port", zap.String("addr", opts.listenAddr))
	ln, err := conn.ListenTCP(ctx, "tcp", opts.listenAddr, opts.keepAlive)
	if err != nil {
		return err
	}

	start := time.Now()
	err = c.Serve(ctx, ln)
	if errors.Is(err, context.Canceled) {
		logger.Info("signal received, exiting")
		return nil
	}
	if err == nil {
		logger.Info("tunnel closed", zap.Duration("elapsed", time.Since(start)))
	}
	return err
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
