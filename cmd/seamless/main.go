package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/config"
	"github.com/appvm/seamless/internal/ipc"
	"github.com/appvm/seamless/internal/logging"
	"github.com/appvm/seamless/internal/metrics"
	"github.com/appvm/seamless/internal/proxy"
	"github.com/appvm/seamless/internal/render"
	"github.com/appvm/seamless/internal/vmctl"
)

func main() {
	if len(os.Args) < 2 {
		printMainUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "proxy":
		os.Exit(runProxy(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "sessions":
		os.Exit(runSessions(os.Args[2:]))
	case "windows":
		os.Exit(runWindows(os.Args[2:]))
	case "vm":
		os.Exit(runVM(os.Args[2:]))
	case "help", "-h", "--help":
		printMainUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printMainUsage(os.Stderr)
		os.Exit(2)
	}
}

func printMainUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: seamless <command> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  proxy               Start the host proxy daemon (foreground)")
	fmt.Fprintln(w, "  status              Show daemon status")
	fmt.Fprintln(w, "  sessions            List connected VM sessions")
	fmt.Fprintln(w, "  windows <vm>        List the live windows of a VM session")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  vm list             List defined VMs and their state")
	fmt.Fprintln(w, "  vm start <name>     Boot a VM")
	fmt.Fprintln(w, "  vm stop <name>      Shut a VM down gracefully")
	fmt.Fprintln(w, "  vm destroy <name>   Force a VM off")
	fmt.Fprintln(w, "  vm console <name>   Attach to a VM's serial console")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'seamless <command> --help' for command-specific options.")
}

func runProxy(args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: seamless proxy [--config PATH] [--debug]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Run the host proxy daemon in the foreground. SIGHUP toggles")
		fmt.Fprintln(os.Stderr, "debug logging.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Config file path (default: ~/.config/seamless/config.yaml)")
	debug := fs.Bool("debug", false, "Enable debug logging with console output")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "proxy takes no arguments")
		fs.Usage()
		return 2
	}

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPath(*configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
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

	m := metrics.New()
	adapter := render.NewLogAdapter(logger.Named("render"))

	srv := proxy.NewServer(proxy.Config{
		Addr:             cfg.ListenAddr,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger.Named("proxy"),
		Metrics:          m,
	}, adapter)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start proxy", zap.Error(err))
		return 1
	}
	defer srv.Stop()

	vms := vmctl.NewManager(cfg.VMDir, logger.Named("vmctl"))
	ipcServer, err := ipc.NewServer(srv, vms, cfg.StaleAfter, logger.Named("ipc"))
	if err != nil {
		logger.Error("failed to create IPC server", zap.Error(err))
		return 1
	}
	if err := ipcServer.Start(); err != nil {
		logger.Error("failed to start IPC server", zap.Error(err))
		return 1
	}
	defer ipcServer.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	logger.Info("seamless proxy started", zap.String("listen_addr", cfg.ListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.ToggleDebug()
			logger.Info("toggled debug logging")
		case os.Interrupt, syscall.SIGTERM:
			logger.Info("shutting down")
			return 0
		}
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: seamless status")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show daemon status via IPC.")
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "status takes no arguments")
		fs.Usage()
		return 2
	}

	client := ipc.NewClient()
	status, err := client.GetStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("daemon_running: %v\n", status.DaemonRunning)
	fmt.Printf("session_count:  %d\n", status.SessionCount)
	fmt.Printf("window_count:   %d\n", status.WindowCount)
	fmt.Printf("uptime_seconds: %d\n", status.UptimeSeconds)
	return 0
}

func runSessions(args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: seamless sessions")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "List connected VM sessions via IPC.")
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "sessions takes no arguments")
		fs.Usage()
		return 2
	}

	client := ipc.NewClient()
	data, err := client.ListSessions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(data.Sessions) == 0 {
		fmt.Println("no sessions")
		return 0
	}
	for _, sess := range data.Sessions {
		fmt.Printf("%s  %s  gen=%d  windows=%d  heartbeat_age_ms=%d  applied=%d  rejected=%d\n",
			sess.Identity, sess.Liveness, sess.Generation, sess.WindowCount,
			sess.HeartbeatAgeMS, sess.EventsApplied, sess.EventsRejected)
	}
	return 0
}

func runWindows(args []string) int {
	fs := flag.NewFlagSet("windows", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: seamless windows <vm>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "List the live windows of a connected VM session.")
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "windows requires <vm>")
		fs.Usage()
		return 2
	}

	client := ipc.NewClient()
	data, err := client.ListWindows(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(data.Windows) == 0 {
		fmt.Println("no windows")
		return 0
	}
	for _, win := range data.Windows {
		marker := " "
		if win.Focused {
			marker = "*"
		}
		fmt.Printf("%s %4d  %dx%d+%d+%d  %q\n",
			marker, win.ID, win.Width, win.Height, win.X, win.Y, win.Title)
	}
	return 0
}

func printVMUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  seamless vm list")
	fmt.Fprintln(w, "  seamless vm start <name>")
	fmt.Fprintln(w, "  seamless vm stop <name>")
	fmt.Fprintln(w, "  seamless vm destroy <name>")
	fmt.Fprintln(w, "  seamless vm console <name>")
}

func runVM(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printVMUsage(os.Stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	manager := vmctl.NewManager(cfg.VMDir, zap.NewNop())

	switch args[0] {
	case "list":
		statuses, err := manager.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if len(statuses) == 0 {
			fmt.Printf("no VM definitions in %s\n", cfg.VMDir)
			return 0
		}
		for _, st := range statuses {
			fmt.Printf("%-20s %-12s %s\n", st.Definition.Name, st.State, st.Definition.Description)
		}
		return 0

	case "start", "stop", "destroy":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "vm %s requires <name>\n", args[0])
			printVMUsage(os.Stderr)
			return 2
		}
		name := args[1]
		switch args[0] {
		case "start":
			err = manager.Start(name)
		case "stop":
			err = manager.Shutdown(name)
		case "destroy":
			err = manager.Destroy(name)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	case "console":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "vm console requires <name>")
			printVMUsage(os.Stderr)
			return 2
		}
		cmd, err := manager.ConsoleCommand(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown vm command: %s\n\n", args[0])
		printVMUsage(os.Stderr)
		return 2
	}
}
