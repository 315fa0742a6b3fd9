package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/config"
	"github.com/appvm/seamless/internal/logging"
	"github.com/appvm/seamless/internal/observer"
	"github.com/appvm/seamless/internal/transport"
	"github.com/appvm/seamless/internal/x11"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("seamless-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: seamless-agent [options]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Guest-side agent: observes windows on the local X display and")
		fmt.Fprintln(os.Stderr, "streams their lifecycle to the host proxy. Configuration comes")
		fmt.Fprintln(os.Stderr, "from SEAMLESS_* environment variables; flags override.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}
	proxyAddr := fs.String("proxy-addr", "", "Host proxy address (overrides SEAMLESS_PROXY_ADDR)")
	identity := fs.String("identity", "", "VM identity (overrides SEAMLESS_IDENTITY)")
	pollInterval := fs.Duration("poll-interval", 0, "Window poll interval (overrides SEAMLESS_POLL_INTERVAL)")
	debug := fs.Bool("debug", false, "Enable debug logging with console output")
	once := fs.Bool("once", false, "Sample the display once, print the windows, and exit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "seamless-agent takes no arguments")
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *proxyAddr != "" {
		cfg.ProxyAddr = *proxyAddr
	}
	if *identity != "" {
		cfg.Identity = *identity
	}
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}

	if *once {
		return runOnce()
	}

	logCfg := logging.Config{Level: cfg.LogLevel}
	if *debug {
		logCfg = logging.Config{Level: "debug", Development: true}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	conn, err := x11.NewConnection()
	if err != nil {
		logger.Error("failed to connect to X display", zap.Error(err))
		return 1
	}
	defer conn.Close()

	sender := transport.New(transport.Config{
		Addr:      cfg.ProxyAddr,
		Identity:  cfg.Identity,
		QueueSize: cfg.QueueSize,
		Logger:    logger.Named("transport"),
	})
	obs := observer.New(observer.Config{
		Interval: cfg.PollInterval,
		Logger:   logger.Named("observer"),
	}, conn, sender)
	sender.SetAnnouncer(obs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("seamless agent started",
		zap.String("identity", cfg.Identity),
		zap.String("proxy_addr", cfg.ProxyAddr),
		zap.Duration("poll_interval", cfg.PollInterval))

	go sender.Run(ctx)
	obs.Run(ctx)

	logger.Info("seamless agent stopped")
	return 0
}

// runOnce samples the display a single time and prints what the agent
// would report. Works without a reachable proxy.
func runOnce() int {
	conn, err := x11.NewConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to X display: %v\n", err)
		return 1
	}
	defer conn.Close()

	windows, err := conn.ListWindows()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enumerate windows: %v\n", err)
		return 1
	}
	if len(windows) == 0 {
		fmt.Println("no windows")
		return 0
	}
	for _, win := range windows {
		marker := " "
		if win.Focused {
			marker = "*"
		}
		visibility := ""
		if !win.Visible {
			visibility = "  (hidden)"
		}
		fmt.Printf("%s 0x%08x  %dx%d+%d+%d  %q%s\n",
			marker, win.Handle, win.Width, win.Height, win.X, win.Y, win.Title, visibility)
	}
	return 0
}
