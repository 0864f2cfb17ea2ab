package extension

import "time"

// Config holds the tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for tally routes (default: "/tally").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// Currency is the currency of newly opened accounts (default: "eur").
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// DefaultMarkup applies to models whose pricing row carries no markup
	// (default: "1").
	DefaultMarkup string `json:"default_markup" mapstructure:"default_markup" yaml:"default_markup"`

	// PricingRefresh is the cron schedule of the pricing reload
	// (default: "@every 5m").
	PricingRefresh string `json:"pricing_refresh" mapstructure:"pricing_refresh" yaml:"pricing_refresh"`

	// EventRetention is how long webhook dedup records are kept
	// (default: 90 days).
	EventRetention time.Duration `json:"event_retention" mapstructure:"event_retention" yaml:"event_retention"`

	// PurgeSchedule is the cron schedule of the dedup purge (default: "@daily").
	PurgeSchedule string `json:"purge_schedule" mapstructure:"purge_schedule" yaml:"purge_schedule"`

	// WebhookSecret is the Stripe endpoint signing secret. The webhook
	// reconciler is only built when it is set.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// WebhookTolerance bounds the signature timestamp age (default: 5m).
	WebhookTolerance time.Duration `json:"webhook_tolerance" mapstructure:"webhook_tolerance" yaml:"webhook_tolerance"`

	// OrderingGrace is how long an event referencing a not yet known
	// subscription is retried before it is rejected (default: 10m).
	OrderingGrace time.Duration `json:"ordering_grace" mapstructure:"ordering_grace" yaml:"ordering_grace"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:         "/tally",
		Currency:         "eur",
		DefaultMarkup:    "1",
		PricingRefresh:   "@every 5m",
		EventRetention:   90 * 24 * time.Hour,
		PurgeSchedule:    "@daily",
		WebhookTolerance: 5 * time.Minute,
		OrderingGrace:    10 * time.Minute,
	}
}

// withDefaults fills zero-valued fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BasePath == "" {
		c.BasePath = d.BasePath
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	if c.DefaultMarkup == "" {
		c.DefaultMarkup = d.DefaultMarkup
	}
	if c.PricingRefresh == "" {
		c.PricingRefresh = d.PricingRefresh
	}
	if c.EventRetention == 0 {
		c.EventRetention = d.EventRetention
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = d.PurgeSchedule
	}
	if c.WebhookTolerance == 0 {
		c.WebhookTolerance = d.WebhookTolerance
	}
	if c.OrderingGrace == 0 {
		c.OrderingGrace = d.OrderingGrace
	}
	return c
}

// merge overlays a file config with programmatic options. File values
// take precedence; programmatic values fill gaps and bool flags win when set.
func merge(file, prog Config) Config {
	if prog.DisableRoutes {
		file.DisableRoutes = true
	}
	if prog.DisableMigrate {
		file.DisableMigrate = true
	}
	str := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	dur := func(dst *time.Duration, src time.Duration) {
		if *dst == 0 {
			*dst = src
		}
	}
	str(&file.BasePath, prog.BasePath)
	str(&file.Currency, prog.Currency)
	str(&file.DefaultMarkup, prog.DefaultMarkup)
	str(&file.PricingRefresh, prog.PricingRefresh)
	str(&file.PurgeSchedule, prog.PurgeSchedule)
	str(&file.WebhookSecret, prog.WebhookSecret)
	dur(&file.EventRetention, prog.EventRetention)
	dur(&file.WebhookTolerance, prog.WebhookTolerance)
	dur(&file.OrderingGrace, prog.OrderingGrace)
	return file.withDefaults()
}
