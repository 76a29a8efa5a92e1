package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/cron"
	"github.com/atticlabs/go-loft/internal/engine"
	"github.com/atticlabs/go-loft/internal/gateway"
	otelPkg "github.com/atticlabs/go-loft/internal/otel"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/planner"
	"github.com/atticlabs/go-loft/internal/telemetry"
	"github.com/atticlabs/go-loft/internal/watcher"
	"github.com/atticlabs/go-loft/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON (default):
  %s                          Start the GoLoft daemon in the foreground
  %s daemon                   Same as running with no arguments

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s smoke [-json]            Run the end-to-end self-check
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOLOFT_HOME             Data directory (default: ~/.goloft)
  GOLOFT_BIND_ADDR        Listen address (default: 127.0.0.1:18930)
  GOLOFT_AUTH_TOKEN       Bearer token for the HTTP and WS surfaces
  GEMINI_API_KEY          Enables the hosted google planner backend

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
  Verify the install:     %s smoke
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	// Echo logs to stdout only when attached to a terminal; a backgrounded
	// daemon keeps just the file log.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "smoke":
			os.Exit(runSmokeCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			if cfg.AuthToken == "" {
				logger.Warn("auth_token is empty on a non-loopback bind; the HTTP and WS surfaces are open to the network", "bind_addr", cfg.BindAddr)
			}
			if len(cfg.AllowOrigins) == 0 {
				logger.Warn("allow_origins is empty on a non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
			}
		}
	}

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create the event bus early so every component shares it.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	// Project sidecars open on demand through the registry; there is no
	// daemon-wide database to migrate at boot.
	registry := persistence.NewRegistry(logger, eventBus)
	defer registry.CloseAll()
	logger.Info("startup phase", "phase", "registry_ready")

	manager := watcher.NewManager(logger, cfg.Index)
	defer manager.Stop()

	chain := planner.NewChain(ctx, logger, cfg)
	logger.Info("planner chain resolved", "override", cfg.Planner.OverrideCommand != "",
		"provider", cfg.Planner.Provider, "cli", cfg.Planner.CLICommand)

	wtExec, err := worktree.NewExecutor(cfg.Execution)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}
	if c, ok := wtExec.(io.Closer); ok {
		defer c.Close()
	}

	eng := engine.New(logger, cfg, registry, chain, wtExec)
	eng.StartWatchdog(ctx)

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			cron.FullRescanJob(logger, registry, manager, cfg.Maintenance.FullRescanCron),
			cron.WorktreeSweepJob(logger, registry, cfg.Maintenance.WorktreeSweepCron),
		},
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	// Config edits apply the log level live; everything else is captured at
	// construction and needs a restart.
	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		go func() {
			last := cfg.Fingerprint()
			for range cfgWatcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Error("config reload failed; keeping the running config", "error", err)
					continue
				}
				if next.Fingerprint() == last {
					continue
				}
				last = next.Fingerprint()
				telemetry.SetLevel(next.LogLevel)
				logger.Info("config reloaded", "config", last,
					"note", "bind_addr, auth, and execution changes apply on restart")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Logger:   logger,
		Cfg:      cfg,
		Registry: registry,
		Engine:   eng,
		Watcher:  manager,
		Planner:  chain,
		Bus:      eventBus,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
		Version:  Version,
	})
	defer gw.Close()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then drain in-flight runs. The
	// deferred closes flush the scheduler, watcher, stores, and telemetry.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	eng.Shutdown(5 * time.Second)
	logger.Info("shutdown complete")
}

// fatalStartup logs a startup failure with a stable reason code and exits.
// Before the logger exists the record goes to stderr as one JSON line so
// supervisors still capture a structured failure.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"loftd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeDefaultConfig persists a config.yaml carrying the default settings so
// a first daemon start leaves an editable file behind.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr: "127.0.0.1:18930",
		LogLevel: "info",
		Run: config.RunConfig{
			TimeoutSeconds:          600,
			StepTimeoutSeconds:      60,
			MaxFailureRatio:         0.5,
			WatchdogIntervalSeconds: 60,
		},
		Index: config.IndexConfig{
			ScanIntervalSeconds: 30,
			CooldownSeconds:     10,
			EmbeddingDim:        256,
			ChunkSize:           1200,
			ChunkOverlap:        200,
			MaxFileSizeBytes:    1 << 20,
			TopK:                5,
		},
		Execution: config.ExecutionConfig{
			Mode:           config.ExecutionModeHost,
			DockerImage:    "alpine:3.20",
			DockerMemoryMB: 512,
			DockerNetwork:  "none",
		},
		Planner: config.PlannerConfig{
			Provider:                "google",
			CLICommand:              "loft-agent",
			TimeoutSeconds:          120,
			FailoverThreshold:       3,
			FailoverCooldownSeconds: 120,
		},
		Maintenance: config.MaintenanceConfig{
			FullRescanCron:    "0 3 * * *",
			WorktreeSweepCron: "30 3 * * *",
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: goloft daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: goloft daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the GoLoft daemon in the foreground (same as no arguments).")
}
