package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/procchain/internal/api"
	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/doctor"
	"github.com/mattjoyce/procchain/internal/events"
	"github.com/mattjoyce/procchain/internal/history"
	"github.com/mattjoyce/procchain/internal/lock"
	"github.com/mattjoyce/procchain/internal/log"
	"github.com/mattjoyce/procchain/internal/pipeline"
	"github.com/mattjoyce/procchain/internal/process"
	"github.com/mattjoyce/procchain/internal/render"
	"github.com/mattjoyce/procchain/internal/storage"
	"github.com/mattjoyce/procchain/internal/tui"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runPipeline(args))
	case "clean":
		os.Exit(runClean(args))
	case "check", "doctor":
		os.Exit(runCheck(args))
	case "history":
		os.Exit(runHistory(args))
	case "version":
		fmt.Printf("procchain version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`procchain - run chains of workflow processes described by a small DSL

Usage:
  procchain <command> [flags]

Commands:
  run       Compile the order, then launch and monitor every process
  clean     Remove logs, configs, work or results of a previous run
  check     Validate run settings against the process store
  history   Show past runs recorded in the output location
  version   Show version information
  help      Show this help message

Use 'procchain <command> --help' for command flags.
`)
}

// storeFlags are shared by every command that loads settings and a store.
type storeFlags struct {
	configPath string
	storeDir   string
	envsDir    string
	profile    string
	baseDir    string
	output     string
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to run settings (YAML)")
	fs.StringVar(&f.storeDir, "store", "", "Path to the process store directory")
	fs.StringVar(&f.envsDir, "envs", "", "Directory holding named runtime environments")
	fs.StringVar(&f.profile, "profile", "local", "Execution profile (local, sge)")
	fs.StringVar(&f.baseDir, "base-dir", "", "Directory relative input locations resolve against (default: working directory)")
	fs.StringVar(&f.output, "output", "", "Override the output_location of the run settings")
}

func (f *storeFlags) load() (*config.RunSettings, *config.Store, process.Profile, error) {
	if f.configPath == "" {
		return nil, nil, "", errors.New("--config is required")
	}
	if f.storeDir == "" {
		return nil, nil, "", errors.New("--store is required")
	}
	profile, err := process.ParseProfile(f.profile)
	if err != nil {
		return nil, nil, "", err
	}
	settings, err := config.LoadRunSettings(f.configPath)
	if err != nil {
		return nil, nil, "", err
	}
	if f.output != "" {
		abs, err := filepath.Abs(f.output)
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve output location: %w", err)
		}
		settings.OutputLocation = abs
	}
	var opts []config.StoreOption
	if f.envsDir != "" {
		opts = append(opts, config.WithEnvsDir(f.envsDir))
	}
	store, err := config.LoadStore(f.storeDir, opts...)
	if err != nil {
		return nil, nil, "", err
	}
	return settings, store, profile, nil
}

func runPipeline(args []string) int {
	var sf storeFlags
	var sharedConfigs, runtime, statusAddr, dbPath, logLevel, logDir string
	var maxProcs int
	var poll, timeout time.Duration
	var resume, interactive, noHistory bool

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	sf.register(fs)
	fs.StringVar(&sharedConfigs, "shared-configs", "", "Directory with resources.config and profiles.config appended to every config")
	fs.StringVar(&runtime, "runtime", process.DefaultRuntime, "Workflow runtime executable")
	fs.IntVar(&maxProcs, "max-procs", pipeline.DefaultMaxProcs, "Maximum processes in flight")
	fs.DurationVar(&poll, "poll", pipeline.DefaultPollInterval, "Interval between completion checks")
	fs.DurationVar(&timeout, "timeout", 0, "Per-process timeout (default: no practical limit)")
	fs.BoolVar(&resume, "resume", false, "Skip processes whose outputs already exist")
	fs.BoolVar(&interactive, "interactive", false, "Show a live terminal monitor")
	fs.StringVar(&statusAddr, "status-addr", "", "Serve run status over HTTP on this address")
	fs.StringVar(&dbPath, "db", "", "Run history database (default: <output>/"+storage.DefaultFileName+")")
	fs.BoolVar(&noHistory, "no-history", false, "Do not record run history")
	fs.StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&logDir, "log-dir", "", "Log folder (default: <output>/logs)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	settings, store, profile, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	output := settings.OutputLocation

	if logDir == "" {
		logDir = filepath.Join(output, "logs")
	}
	logOpts := log.Options{Level: logLevel, Folder: logDir}
	if !interactive {
		logOpts.Stdout = os.Stderr
	}
	rootLogger, err := log.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer rootLogger.Close()
	if _, err := rootLogger.Cleanup(log.DefaultKeep); err != nil {
		rootLogger.Warn("failed to prune old log files", "error", err)
	}
	logger := rootLogger.WithComponent("main")
	logger.Info("procchain starting", "version", version, "config", settings.Path, "store", store.Dir())

	runLock, err := lock.Acquire(output)
	if err != nil {
		logger.Error("failed to acquire run lock (another run may be using this output location)", "output", output, "error", err)
		return 1
	}
	defer runLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hist *history.Store
	if !noHistory {
		if dbPath == "" {
			dbPath = filepath.Join(output, storage.DefaultFileName)
		}
		db, err := storage.OpenSQLite(ctx, dbPath)
		if err != nil {
			logger.Error("failed to open history database", "path", dbPath, "error", err)
			return 1
		}
		defer db.Close()
		hist = history.New(db)
	}

	hub := events.NewHub(0)
	var renderOpts []render.Option
	if sharedConfigs != "" {
		renderOpts = append(renderOpts, render.WithSharedConfigs(sharedConfigs))
	}

	p, err := pipeline.New(settings, store, pipeline.Options{
		MaxProcs:     maxProcs,
		PollInterval: poll,
		Resume:       resume,
		BaseDir:      sf.baseDir,
		Profile:      profile,
		Runtime:      runtime,
		Timeout:      timeout,
		Renderer:     render.New(renderOpts...),
		Logger:       rootLogger,
		Events:       hub,
		History:      hist,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}

	serverErr := make(chan error, 1)
	if statusAddr != "" {
		// A nil *history.Store must not reach the interface.
		var runHistory api.RunHistory
		if hist != nil {
			runHistory = hist
		}
		srv := api.New(api.Config{Listen: statusAddr}, hub, runHistory, rootLogger)
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				serverErr <- err
			}
		}()
	}

	var execErr error
	if interactive {
		execErr = executeInteractive(ctx, p, hub)
	} else {
		execErr = p.Execute(ctx)
	}

	select {
	case err := <-serverErr:
		logger.Error("status server failed", "error", err)
	default:
	}

	printStatus(p)
	if execErr != nil {
		logger.Error("pipeline finished with errors", "error", execErr)
		return 1
	}
	logger.Info("pipeline finished", "output", p.OutputLocation())
	return 0
}

// executeInteractive runs the pipeline in the background while the monitor
// owns the terminal. Quitting the monitor does not stop the run.
func executeInteractive(ctx context.Context, p *pipeline.Pipeline, hub *events.Hub) error {
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- p.Execute(ctx) }()

	prog := tea.NewProgram(tui.NewMonitor(p.Title(), ch), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
	}
	return <-done
}

func printStatus(p *pipeline.Pipeline) {
	fmt.Printf("%s\n", p.Title())
	for _, ns := range p.StatusList() {
		if ns.Err != nil {
			fmt.Printf("  %-32s %-12s %v\n", ns.ID, ns.Status, ns.Err)
			continue
		}
		fmt.Printf("  %-32s %s\n", ns.ID, ns.Status)
	}
}

func runClean(args []string) int {
	var sf storeFlags
	var files string
	var yes bool

	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	sf.register(fs)
	fs.StringVar(&files, "files", "", "Comma separated targets: logs, configs, work, results or all")
	fs.BoolVar(&yes, "yes", false, "Actually delete the selected files")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	targets, err := pipeline.ParseCleanTargets(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --files: %v\n", err)
		return 1
	}
	settings, store, profile, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	p, err := pipeline.New(settings, store, pipeline.Options{Profile: profile, BaseDir: sf.baseDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	if !yes {
		fmt.Fprintf(os.Stderr, "Would remove %s of %d processes in %s; pass --yes to proceed\n",
			strings.Join(names, ", "), len(p.Order()), p.OutputLocation())
		return 1
	}

	runLock, err := lock.Acquire(p.OutputLocation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire run lock: %v\n", err)
		return 1
	}
	defer runLock.Release()

	if err := p.Clean(targets...); err != nil {
		fmt.Fprintf(os.Stderr, "Clean failed: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %s from %s\n", strings.Join(names, ", "), p.OutputLocation())
	return 0
}

func runCheck(args []string) int {
	var sf storeFlags
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	sf.register(fs)
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	// Handle -json alias for format=json
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	settings, store, profile, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	baseDir := sf.baseDir
	if baseDir == "" {
		if baseDir, err = os.Getwd(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve working directory: %v\n", err)
			return 1
		}
	}
	result := doctor.New(settings, store, profile, baseDir).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runHistory(args []string) int {
	var dbPath, configPath, runID string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	fs.StringVar(&dbPath, "db", "", "Run history database")
	fs.StringVar(&configPath, "config", "", "Run settings; the database is read from their output location")
	fs.StringVar(&runID, "run", "", "Show the processes of one run")
	fs.IntVar(&limit, "limit", 20, "Maximum runs to list")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if dbPath == "" {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "Error: one of --db or --config is required")
			return 1
		}
		settings, err := config.LoadRunSettings(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
			return 1
		}
		dbPath = filepath.Join(settings.OutputLocation, storage.DefaultFileName)
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "No run history at %s\n", dbPath)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer db.Close()
	hist := history.New(db)

	if runID != "" {
		return showRun(ctx, hist, runID, jsonOut)
	}

	runs, err := hist.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}
	if jsonOut {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return 0
	}
	t := newTable("RUN", "TITLE", "STATUS", "PROFILE", "STARTED", "DURATION")
	for _, r := range runs {
		t.Row(r.ID, r.Title, string(r.Status), r.Profile, r.StartedAt.Local().Format(time.DateTime), duration(r.StartedAt, r.CompletedAt))
	}
	fmt.Println(t.Render())
	return 0
}

func showRun(ctx context.Context, hist *history.Store, runID string, jsonOut bool) int {
	run, err := hist.GetRun(ctx, runID)
	if errors.Is(err, history.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run %s not found\n", runID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read run: %v\n", err)
		return 1
	}
	procs, err := hist.ListProcesses(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list processes: %v\n", err)
		return 1
	}
	if jsonOut {
		return printJSON(struct {
			Run       *history.Run         `json:"run"`
			Processes []history.ProcessRun `json:"processes"`
		}{run, procs})
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Status)
	fmt.Printf("  title:  %s\n  order:  %s\n  output: %s\n", run.Title, run.Order, run.OutputLocation)
	if run.LastError != nil {
		fmt.Printf("  error:  %s\n", *run.LastError)
	}
	t := newTable("NODE", "PROCESS", "STATUS", "EXIT", "DURATION")
	for _, p := range procs {
		exit := "-"
		if p.ExitCode != nil {
			exit = fmt.Sprint(*p.ExitCode)
		}
		dur := "-"
		if p.StartedAt != nil {
			dur = duration(*p.StartedAt, p.CompletedAt)
		}
		t.Row(p.NodeID, p.ProcessName, p.Status, exit, dur)
	}
	fmt.Println(t.Render())
	return 0
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...)
}

func duration(start time.Time, end *time.Time) string {
	if end == nil {
		return "running"
	}
	return end.Sub(start).Round(time.Second).String()
}

func printJSON(v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
