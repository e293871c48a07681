package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/proxywrap"
)

// duration lets durations be written as "10s" in the config file.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the content of the configuration file. Command line flags take
// precedence over it.
type Config struct {
	Listen             string   `toml:"listen"`
	HeaderTimeout      duration `toml:"header_timeout"`
	SetNoDelay         bool     `toml:"set_no_delay"`
	HandleCommonErrors bool     `toml:"handle_common_errors"`
	MaxPending         int64    `toml:"max_pending"`
	TrustedProxies     []string `toml:"trusted_proxies"`
	MetricsListen      string   `toml:"metrics_listen"`
	LogLevel           string   `toml:"log_level"`

	Forward ForwardConfig `toml:"forward"`
}

type ForwardConfig struct {
	Backend         string   `toml:"backend"`
	DialTimeout     duration `toml:"dial_timeout"`
	SendProxyHeader bool     `toml:"send_proxy_header"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:             ":8080",
		HeaderTimeout:      duration{10 * time.Second},
		HandleCommonErrors: true,
		MaxPending:         1024,
		LogLevel:           "info",
		Forward: ForwardConfig{
			DialTimeout: duration{5 * time.Second},
		},
	}
}

// loadConfig returns the defaults overridden by the file at path, if any.
func loadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, errors.Errorf("config %s: unknown key %s", path, undec[0])
	}
	return c, nil
}

// configFromFlags loads the file named by --config and applies every flag the
// user set on top of it.
func configFromFlags(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	c, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("listen") {
		c.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("header-timeout") {
		c.HeaderTimeout.Duration, _ = flags.GetDuration("header-timeout")
	}
	if flags.Changed("no-delay") {
		c.SetNoDelay, _ = flags.GetBool("no-delay")
	}
	if flags.Changed("handle-common-errors") {
		c.HandleCommonErrors, _ = flags.GetBool("handle-common-errors")
	}
	if flags.Changed("max-pending") {
		c.MaxPending, _ = flags.GetInt64("max-pending")
	}
	if flags.Changed("trusted-proxies") {
		c.TrustedProxies, _ = flags.GetStringSlice("trusted-proxies")
	}
	if flags.Changed("metrics-listen") {
		c.MetricsListen, _ = flags.GetString("metrics-listen")
	}
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	if v, _ := flags.GetBool("verbose"); v {
		c.LogLevel = "debug"
	}

	// subcommand flags
	if f := flags.Lookup("backend"); f != nil && f.Changed {
		c.Forward.Backend = f.Value.String()
	}
	if f := flags.Lookup("dial-timeout"); f != nil && f.Changed {
		c.Forward.DialTimeout.Duration, _ = flags.GetDuration("dial-timeout")
	}
	if f := flags.Lookup("send-proxy-header"); f != nil && f.Changed {
		c.Forward.SendProxyHeader, _ = flags.GetBool("send-proxy-header")
	}
	return c, nil
}

func (c *Config) logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log := logrus.New()
	log.SetLevel(lvl)
	return log, nil
}

// server returns a proxywrap.Server for srv set up after c.
func (c *Config) server(srv proxywrap.Downstream, log logrus.FieldLogger, reg prometheus.Registerer) (*proxywrap.Server, error) {
	s, err := proxywrap.New(srv)
	if err != nil {
		return nil, err
	}

	s.Logger = log
	s.HeaderTimeout = c.HeaderTimeout.Duration
	s.SetNoDelay = c.SetNoDelay
	s.HandleCommonErrors = c.HandleCommonErrors
	s.MaxPending = c.MaxPending
	if len(c.TrustedProxies) > 0 {
		s.TrustedProxies, err = proxywrap.ParseTrustedProxies(c.TrustedProxies)
		if err != nil {
			return nil, err
		}
	}
	if reg != nil {
		s.Metrics = proxywrap.NewMetrics(reg)
	}
	return s, nil
}
