package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/xraph/tally"
	"github.com/xraph/tally/extension"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/bolt"
	"github.com/xraph/tally/store/memory"
)

// config is the binary's configuration. The tally section uses the same
// keys as the Forge extension.
type config struct {
	Store     string           `mapstructure:"store"`
	BoltPath  string           `mapstructure:"bolt_path"`
	Listen    string           `mapstructure:"listen"`
	RedisAddr string           `mapstructure:"redis_addr"`
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
	Tally     extension.Config `mapstructure:"tally"`
}

func setDefaults(v *viper.Viper) {
	d := extension.DefaultConfig()
	v.SetDefault("listen", ":8080")
	v.SetDefault("redis_addr", "")
	v.SetDefault("tally.disable_routes", false)
	v.SetDefault("tally.disable_migrate", false)
	v.SetDefault("tally.base_path", "/")
	v.SetDefault("tally.currency", d.Currency)
	v.SetDefault("tally.default_markup", d.DefaultMarkup)
	v.SetDefault("tally.pricing_refresh", d.PricingRefresh)
	v.SetDefault("tally.event_retention", d.EventRetention)
	v.SetDefault("tally.purge_schedule", d.PurgeSchedule)
	v.SetDefault("tally.webhook_secret", "")
	v.SetDefault("tally.webhook_tolerance", d.WebhookTolerance)
	v.SetDefault("tally.ordering_grace", d.OrderingGrace)
}

func readConfig(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

type app struct {
	v *viper.Viper
}

func (a *app) config() (config, error) {
	var cfg config
	if err := a.v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config) (store.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return memory.New(), nil
	case "bolt":
		return bolt.Open(cfg.BoltPath)
	}
	return nil, fmt.Errorf("unknown store %q (want memory or bolt)", cfg.Store)
}

func newLogger(cfg config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
}

// build wires the extension from configuration without a Forge app.
func (a *app) build(extra ...extension.Option) (*extension.Extension, config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, config{}, err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, config{}, err
	}
	s, err := openStore(cfg)
	if err != nil {
		return nil, config{}, err
	}

	opts := append([]extension.Option{
		extension.WithConfig(cfg.Tally),
		extension.WithStore(s),
		extension.WithLedgerOption(tally.WithLogger(logger)),
	}, extra...)
	ext := extension.New(opts...)
	if err := ext.Init(); err != nil {
		return nil, config{}, errors.Join(err, s.Close())
	}
	return ext, cfg, nil
}

// withLedger runs fn against a ledger that is closed afterwards.
func (a *app) withLedger(fn func(l *tally.Ledger) error) error {
	ext, _, err := a.build()
	if err != nil {
		return err
	}
	l := ext.Ledger()
	return errors.Join(fn(l), l.Stop())
}
