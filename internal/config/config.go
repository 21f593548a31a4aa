package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Options holds the runner's command-line and environment
// configuration. Flags take precedence over environment variables.
type Options struct {
	Database struct {
		DSN string `long:"dsn" env:"DATABASE_URL" description:"Postgres connection string" required:"true"`
	} `group:"Database"`

	Runner struct {
		Agent           string `short:"a" long:"agent" env:"RUNNER_AGENT" description:"Agent identity claimed by this runner" default:"default"`
		Browsers        string `short:"b" long:"browsers" env:"RUNNER_BROWSERS" description:"Comma-separated browser engines, one worker each" default:"chrome,firefox,webkit"`
		MaxRounds       int    `long:"max-rounds" env:"RUNNER_MAX_ROUNDS" description:"Stop after this many rounds (0 = unbounded)" default:"0"`
		Once            bool   `long:"once" env:"RUNNER_ONCE" description:"Run a single round and exit"`
		InterRoundDelay int    `long:"inter-round-delay" env:"RUNNER_INTER_ROUND_DELAY" description:"Pause between rounds in seconds" default:"5"`
		WorkflowTimeout int    `long:"workflow-timeout" env:"RUNNER_WORKFLOW_TIMEOUT" description:"Per-cycle workflow timeout in seconds (0 = disabled)" default:"0"`
	} `group:"Runner"`

	Proxy struct {
		File        string `long:"proxy-file" env:"PROXY_FILE" description:"Proxy pool JSON file (empty disables proxies)"`
		CursorFile  string `long:"proxy-cursor-file" env:"PROXY_CURSOR_FILE" description:"Sequential rotation cursor state file" default:"proxy_cursor.json"`
		Cooldown    int    `long:"proxy-cooldown" env:"PROXY_COOLDOWN" description:"IP toggle cooldown in seconds" default:"15"`
		ToggleURL   string `long:"proxy-toggle-url" env:"PROXY_TOGGLE_URL" description:"Base URL of the proxy IP toggle endpoint"`
		RedisAddr   string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the shared rotation cursor (empty uses the state file)"`
		RedisPrefix string `long:"redis-prefix" env:"REDIS_PREFIX" description:"Redis key prefix" default:"runner"`
	} `group:"Proxy"`

	Events struct {
		KafkaBrokers string `long:"kafka-brokers" env:"KAFKA_BROKERS" description:"Comma-separated Kafka brokers for execution log events (empty disables)"`
		KafkaTopic   string `long:"kafka-topic" env:"KAFKA_TOPIC" description:"Kafka topic for execution log events" default:"execution-logs"`
	} `group:"Events"`

	HTTP struct {
		Listen string `long:"listen" env:"RUNNER_LISTEN" description:"Status and metrics listen address" default:":8080"`
	} `group:"HTTP"`

	Simulation struct {
		FailRate float64 `long:"sim-fail-rate" env:"SIM_FAIL_RATE" description:"Simulated workflow failure rate in [0,1]" default:"0.1"`
	} `group:"Simulation"`

	Debug bool `short:"d" long:"debug" env:"RUNNER_DEBUG" description:"Enable debug logging"`
}

// Parse reads options from args and the environment.
func Parse(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) validate() error {
	if len(o.BrowserList()) == 0 {
		return fmt.Errorf("at least one browser engine is required")
	}
	if o.Proxy.Cooldown < 0 {
		return fmt.Errorf("proxy cooldown must not be negative")
	}
	if o.Simulation.FailRate < 0 || o.Simulation.FailRate > 1 {
		return fmt.Errorf("sim fail rate must be in [0,1]")
	}
	return nil
}

// BrowserList splits the browsers option into engine names.
func (o *Options) BrowserList() []string {
	var out []string
	for _, b := range strings.Split(o.Runner.Browsers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KafkaBrokerList splits the brokers option; empty means disabled.
func (o *Options) KafkaBrokerList() []string {
	if o.Events.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(o.Events.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// InterRoundDelay returns the inter-round pause as a duration.
func (o *Options) InterRoundDelay() time.Duration {
	return time.Duration(o.Runner.InterRoundDelay) * time.Second
}

// WorkflowTimeout returns the per-cycle timeout, zero when disabled.
func (o *Options) WorkflowTimeout() time.Duration {
	return time.Duration(o.Runner.WorkflowTimeout) * time.Second
}

// ProxyCooldown returns the IP toggle cooldown as a duration.
func (o *Options) ProxyCooldown() time.Duration {
	return time.Duration(o.Proxy.Cooldown) * time.Second
}
