package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/config"
	"github.com/Shunpei0902/ft-irc/internal/events"
	"github.com/Shunpei0902/ft-irc/internal/failure"
	"github.com/Shunpei0902/ft-irc/internal/logging"
	"github.com/Shunpei0902/ft-irc/internal/preflight"
	"github.com/Shunpei0902/ft-irc/internal/process"
	"github.com/Shunpei0902/ft-irc/internal/report"
	"github.com/Shunpei0902/ft-irc/internal/results"
	"github.com/Shunpei0902/ft-irc/internal/session"
	"github.com/Shunpei0902/ft-irc/internal/suite"
	"github.com/Shunpei0902/ft-irc/internal/telemetry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// errTestsFailed is returned after the reporter already printed the verdicts.
var errTestsFailed = errors.New("one or more tests failed")

type deps struct {
	stdout    io.Writer
	stderr    io.Writer
	spawner   process.Spawner
	preflight func(preflight.Checks) (preflight.Report, error)
	newRunID  func() string
}

func defaultDeps() deps {
	return deps{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		preflight: preflight.Run,
		newRunID:  uuid.NewString,
	}
}

func main() {
	os.Exit(mainExit())
}

func mainExit() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := defaultDeps()
	if err := run(ctx, os.Args[1:], d); err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintf(d.stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func run(ctx context.Context, args []string, d deps) error {
	cmd := newRootCommand(d)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type flagValues struct {
	configPath string
	server     string
	port       int
	password   string
	client     string
	results    string
	format     string
	suiteFile  string
	readiness  string
	verbose    bool
}

func newRootCommand(d deps) *cobra.Command {
	var flags flagValues

	root := &cobra.Command{
		Use:           "irctest",
		Short:         "Run scripted IRC client sessions against an IRC server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runSuite(cmd.Context(), cfg, flags.verbose, d, cmd.OutOrStdout())
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	if d.stdout != nil {
		root.SetOut(d.stdout)
	}
	if d.stderr != nil {
		root.SetErr(d.stderr)
	}

	defaults := config.Defaults()
	fs := root.Flags()
	fs.StringVar(&flags.configPath, "config", "", "extra TOML config file applied after ~/.irctest and ./.irctest")
	fs.StringVar(&flags.server, "server", defaults.Server, "path to IRC server binary")
	fs.IntVar(&flags.port, "port", defaults.Port, "server port")
	fs.StringVar(&flags.password, "password", defaults.Password, "server password")
	fs.StringVar(&flags.client, "client", defaults.Client, "IRC client executable")
	fs.StringVar(&flags.results, "results", defaults.Results, "results file (.json, .yaml or .yml)")
	fs.StringVar(&flags.format, "format", defaults.ResultsFormat, "results encoding: json or yaml (default: from the results file extension)")
	fs.StringVar(&flags.suiteFile, "suite", "", "TOML file with [[test]] cases instead of the built-in suite")
	fs.StringVar(&flags.readiness, "readiness", defaults.Readiness, "startup readiness strategy: fixed or tcp")
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "print failure output and debug logs")
	return root
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, flags flagValues) {
	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.Server = flags.server
	}
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("password") {
		cfg.Password = flags.password
	}
	if changed("client") {
		cfg.Client = flags.client
	}
	if changed("results") {
		cfg.Results = flags.results
	}
	if changed("format") {
		cfg.ResultsFormat = strings.ToLower(strings.TrimSpace(flags.format))
	}
	if changed("suite") {
		cfg.Suite = flags.suiteFile
	}
	if changed("readiness") {
		cfg.Readiness = strings.ToLower(strings.TrimSpace(flags.readiness))
	}
}

func runSuite(ctx context.Context, cfg *config.Config, verbose bool, d deps, stdout io.Writer) error {
	checkPreflight := d.preflight
	if checkPreflight == nil {
		checkPreflight = preflight.Run
	}
	resolved, err := checkPreflight(preflight.Checks{ServerPath: cfg.Server, Client: cfg.Client})
	if err != nil {
		return err
	}

	cases, err := loadCases(cfg)
	if err != nil {
		return err
	}

	newRunID := d.newRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	runID := newRunID()

	runtimeLogger, err := logging.New(ctx,
		logging.WithDir(cfg.LogDir),
		logging.WithRunID(runID),
		logging.WithDebug(verbose),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(d.stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	logger := runtimeLogger.Logger
	logger.Info("preflight passed", "server", resolved.ServerPath, "client", resolved.ClientPath)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Settings{Endpoint: cfg.OTelEndpoint, Console: d.stderr})
	if err != nil {
		logger.Warn("telemetry disabled", "err", err)
		shutdownTelemetry = func() {}
	}
	defer shutdownTelemetry()

	bus := events.New(events.WithLogger(logger))
	report.New(stdout, report.WithVerbose(verbose)).Attach(bus)

	controller := process.NewController(process.Options{
		Spawner:     d.spawner,
		Readiness:   readinessProbe(cfg),
		StopTimeout: cfg.StopTimeout,
		Logger:      logger,
		Secrets:     []string{cfg.Password},
	})
	runner := session.NewRunner(session.Options{
		Client:  cfg.Client,
		Spawner: d.spawner,
		Logger:  logger,
	})

	orchestrator, err := suite.NewOrchestrator(suite.Options{
		RunID:       runID,
		SuiteName:   suiteName(cfg),
		ServerPath:  cfg.Server,
		Address:     cfg.Address,
		Port:        cfg.Port,
		Password:    cfg.Password,
		SettleDelay: pauseOption(cfg.SettleDelay),
		TestPacing:  pauseOption(cfg.TestPacing),
		Cases:       cases,
		Controller:  controller,
		Runner:      runner,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	result, runErr := orchestrator.Run(ctx)

	// Results are written even after SIGINT so a partial run is kept.
	saveErr := results.Recorder{Format: results.Format(cfg.ResultsFormat)}.Save(context.WithoutCancel(ctx), result, cfg.Results)
	payload := events.ResultsPayload{Path: cfg.Results}
	if saveErr != nil {
		payload.Error = saveErr.Error()
		logger.Error("save results", "path", cfg.Results, "err", saveErr)
	}
	bus.Publish(events.Event{
		Type:       events.EventTypeResultsSaved,
		EntityType: "results",
		EntityID:   cfg.Results,
		Payload:    payload,
	})

	logger.Info("suite finished",
		"passed", result.Passed(),
		"total", result.Total(),
		"kind", failure.KindOf(runErr),
	)

	switch {
	case runErr != nil && failure.KindOf(runErr) == failure.StartupFailure:
		return errTestsFailed
	case runErr != nil:
		return runErr
	case !result.OK():
		return errTestsFailed
	}
	return nil
}

func loadCases(cfg *config.Config) ([]suite.TestCase, error) {
	if cfg.Suite == "" {
		return suite.DefaultCases(cfg.ScriptPauses), nil
	}
	cases, err := suite.LoadFile(cfg.Suite)
	if err != nil {
		return nil, fmt.Errorf("load suite: %w", err)
	}
	return cases, nil
}

func readinessProbe(cfg *config.Config) process.ReadinessProbe {
	if cfg.Readiness == config.ReadinessTCP {
		return process.TCPProbe{
			Address: cfg.Address,
			Port:    cfg.Port,
			Timeout: cfg.ReadinessTimeout,
		}
	}
	return process.FixedDelay{Grace: cfg.StartupGrace}
}

func suiteName(cfg *config.Config) string {
	if cfg.Suite != "" {
		return cfg.Suite
	}
	return "irc:" + strconv.Itoa(cfg.Port)
}

// pauseOption maps a configured zero to "no pause"; the orchestrator reads
// zero as "use the default".
func pauseOption(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
