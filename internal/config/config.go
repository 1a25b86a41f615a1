package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
)

const (
	defaultServer           = "./ircserv"
	defaultPort             = 6667
	defaultPassword         = "testpass"
	defaultClient           = "irssi"
	defaultAddress          = "127.0.0.1"
	defaultResults          = "test_results.json"
	defaultReadiness        = ReadinessFixed
	defaultStartupGrace     = 2 * time.Second
	defaultReadinessTimeout = 10 * time.Second
	defaultStopTimeout      = 5 * time.Second
	defaultSettleDelay      = 3 * time.Second
	defaultTestPacing       = 2 * time.Second

	// DirName is the per-user and per-project config directory.
	DirName = ".irctest"
	// FileName is the config file inside DirName.
	FileName = "config.toml"
)

const (
	// ReadinessFixed waits a fixed grace period, then checks liveness once.
	ReadinessFixed = "fixed"
	// ReadinessTCP polls the service port until it accepts connections.
	ReadinessTCP = "tcp"
)

// Results formats. An empty format picks one from the results file extension.
const (
	ResultsFormatJSON = "json"
	ResultsFormatYAML = "yaml"
)

// Config stores harness settings loaded from TOML files.
type Config struct {
	Server           string
	Port             int
	Password         string
	Client           string
	Address          string
	Results          string
	ResultsFormat    string
	Suite            string
	Readiness        string
	ScriptPauses     bool
	StartupGrace     time.Duration
	ReadinessTimeout time.Duration
	StopTimeout      time.Duration
	SettleDelay      time.Duration
	TestPacing       time.Duration
	LogDir           string
	OTelEndpoint     string
}

type fileConfig struct {
	Server           *string     `toml:"server"`
	Port             *int        `toml:"port"`
	Password         *string     `toml:"password"`
	Client           *string     `toml:"client"`
	Address          *string     `toml:"address"`
	Results          *string     `toml:"results"`
	ResultsFormat    *string     `toml:"results_format"`
	Suite            *string     `toml:"suite"`
	Readiness        *string     `toml:"readiness"`
	ScriptPauses     *bool       `toml:"script_pauses"`
	StartupGrace     *string     `toml:"startup_grace"`
	ReadinessTimeout *string     `toml:"readiness_timeout"`
	StopTimeout      *string     `toml:"stop_timeout"`
	SettleDelay      *string     `toml:"settle_delay"`
	TestPacing       *string     `toml:"test_pacing"`
	LogDir           *string     `toml:"log_dir"`
	OTel             *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads ~/.irctest/config.toml, overlays a project-local
// .irctest/config.toml, then overlays explicitPath when it is set. An
// explicit file must exist.
func Load(ctx context.Context, explicitPath string) (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, DirName, FileName),
		filepath.Join(workingDir, DirName, FileName),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if explicitPath = strings.TrimSpace(explicitPath); explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file %q: %w", explicitPath, err)
		}
		if err := overlayFromFile(&cfg, explicitPath); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Server:           defaultServer,
		Port:             defaultPort,
		Password:         defaultPassword,
		Client:           defaultClient,
		Address:          defaultAddress,
		Results:          defaultResults,
		Readiness:        defaultReadiness,
		ScriptPauses:     true,
		StartupGrace:     defaultStartupGrace,
		ReadinessTimeout: defaultReadinessTimeout,
		StopTimeout:      defaultStopTimeout,
		SettleDelay:      defaultSettleDelay,
		TestPacing:       defaultTestPacing,
	}
}

// Validate checks values that flags or files may have set.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("server path must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if strings.TrimSpace(c.Client) == "" {
		return errors.New("client must not be empty")
	}
	if err := clientconfig.ValidatePassword(c.Password); err != nil {
		return err
	}
	switch c.Readiness {
	case ReadinessFixed, ReadinessTCP:
	default:
		return fmt.Errorf("readiness %q must be %q or %q", c.Readiness, ReadinessFixed, ReadinessTCP)
	}
	switch c.ResultsFormat {
	case "", ResultsFormatJSON, ResultsFormatYAML:
	default:
		return fmt.Errorf("results_format %q must be %q or %q", c.ResultsFormat, ResultsFormatJSON, ResultsFormatYAML)
	}
	for key, value := range map[string]time.Duration{
		"startup_grace":     c.StartupGrace,
		"readiness_timeout": c.ReadinessTimeout,
		"stop_timeout":      c.StopTimeout,
		"settle_delay":      c.SettleDelay,
		"test_pacing":       c.TestPacing,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	return applyDurationOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	setString := func(target *string, value *string) {
		if value != nil {
			*target = strings.TrimSpace(*value)
		}
	}
	setString(&cfg.Server, decoded.Server)
	setString(&cfg.Client, decoded.Client)
	setString(&cfg.Address, decoded.Address)
	setString(&cfg.Results, decoded.Results)
	setString(&cfg.Suite, decoded.Suite)
	setString(&cfg.LogDir, decoded.LogDir)
	if decoded.Password != nil {
		cfg.Password = *decoded.Password
	}
	if decoded.Readiness != nil {
		cfg.Readiness = strings.ToLower(strings.TrimSpace(*decoded.Readiness))
	}
	if decoded.ResultsFormat != nil {
		cfg.ResultsFormat = strings.ToLower(strings.TrimSpace(*decoded.ResultsFormat))
	}
	if decoded.Port != nil {
		cfg.Port = *decoded.Port
	}
	if decoded.ScriptPauses != nil {
		cfg.ScriptPauses = *decoded.ScriptPauses
	}
	if decoded.OTel != nil {
		setString(&cfg.OTelEndpoint, decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{key: "startup_grace", value: decoded.StartupGrace, target: &cfg.StartupGrace},
		{key: "readiness_timeout", value: decoded.ReadinessTimeout, target: &cfg.ReadinessTimeout},
		{key: "stop_timeout", value: decoded.StopTimeout, target: &cfg.StopTimeout},
		{key: "settle_delay", value: decoded.SettleDelay, target: &cfg.SettleDelay},
		{key: "test_pacing", value: decoded.TestPacing, target: &cfg.TestPacing},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
