// Package config loads and validates the orchestrator's config.toml.
// Configuration is loaded once at startup; there is no hot-reload.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	ferrors "forge.stoat.dev/fanfic/fetcher/internal/foundation/errors"
	"forge.stoat.dev/fanfic/fetcher/internal/foundation/normalization"
)

// UpdateMethod governs how a story's behavior is translated into a fetcher
// command modifier (see Config.FetcherModifier).
type UpdateMethod string

const (
	UpdateMethodUpdate       UpdateMethod = "update"
	UpdateMethodUpdateAlways UpdateMethod = "update_always"
	UpdateMethodForce        UpdateMethod = "force"
	UpdateMethodNoForce      UpdateMethod = "update_no_force"
)

var updateMethodNormalizer = normalization.NewEnumNormalizer("update_method", map[string]UpdateMethod{
	"update":          UpdateMethodUpdate,
	"update_always":   UpdateMethodUpdateAlways,
	"force":           UpdateMethodForce,
	"update_no_force": UpdateMethodNoForce,
}, UpdateMethodUpdate)

// MetadataPreservationMode governs how the library CLI swaps an existing
// book's file when integrating an updated EPUB.
type MetadataPreservationMode string

const (
	PreservationRemoveAdd        MetadataPreservationMode = "remove_add"
	PreservationPreserveMetadata MetadataPreservationMode = "preserve_metadata"
	PreservationAddFormat        MetadataPreservationMode = "add_format"
)

var preservationNormalizer = normalization.NewEnumNormalizer("metadata_preservation_mode", map[string]MetadataPreservationMode{
	"remove_add":        PreservationRemoveAdd,
	"preserve_metadata": PreservationPreserveMetadata,
	"add_format":        PreservationAddFormat,
}, PreservationRemoveAdd)

// rawConfig mirrors config.toml's on-disk shape before validation/defaulting.
type rawConfig struct {
	Email struct {
		Email         string   `toml:"email"`
		Password      string   `toml:"password"`
		Server        string   `toml:"server"`
		Mailbox       string   `toml:"mailbox"`
		SleepTime     float64  `toml:"sleep_time"`
		DisabledSites []string `toml:"disabled_sites"`
	} `toml:"email"`

	Library struct {
		Path                     string `toml:"path"`
		Username                 string `toml:"username"`
		Password                 string `toml:"password"`
		DefaultINI               string `toml:"default_ini"`
		PersonalINI              string `toml:"personal_ini"`
		UpdateMethod             string `toml:"update_method"`
		MetadataPreservationMode string `toml:"metadata_preservation_mode"`
	} `toml:"library"`

	Retry struct {
		MaxNormalRetries      int     `toml:"max_normal_retries"`
		FinalAttemptEnabled   *bool   `toml:"final_attempt_enabled"`
		FinalAttemptWaitHours float64 `toml:"final_attempt_wait_hours"`
	} `toml:"retry"`

	Runtime struct {
		ShutdownTimeout     float64 `toml:"shutdown_timeout"`
		HealthCheckInterval float64 `toml:"health_check_interval"`
		AutoRestart         *bool   `toml:"auto_restart"`
		MaxRestartAttempts  *int    `toml:"max_restart_attempts"`
		RestartDelay        float64 `toml:"restart_delay"`
		EnableMonitoring    *bool   `toml:"enable_monitoring"`
	} `toml:"runtime"`

	Notifications struct {
		URLs []string `toml:"urls"`
	} `toml:"notifications"`
}

// Config is the validated, defaulted configuration record passed explicitly
// to every component constructor. There is no process-wide config singleton.
type Config struct {
	Email   EmailConfig
	Library LibraryConfig
	Retry   RetryConfig
	Runtime RuntimeConfig
	Notify  NotifyConfig
}

type EmailConfig struct {
	Address       string
	Password      string
	Server        string
	Mailbox       string
	SleepTime     time.Duration
	DisabledSites map[string]struct{}
}

type LibraryConfig struct {
	Path                     string
	Username                 string
	Password                 string
	DefaultINI               string
	PersonalINI              string
	UpdateMethod             UpdateMethod
	MetadataPreservationMode MetadataPreservationMode
}

type RetryConfig struct {
	MaxNormalRetries      int
	FinalAttemptEnabled   bool
	FinalAttemptWaitHours float64
}

type RuntimeConfig struct {
	ShutdownTimeout     time.Duration
	HealthCheckInterval time.Duration
	AutoRestart         bool
	MaxRestartAttempts  int
	RestartDelay        time.Duration
	EnableMonitoring    bool
}

type NotifyConfig struct {
	URLs []string
}

const minSleepTime = 5 * time.Second

// Load reads and validates config.toml at path, applying the documented
// defaults for every omitted key.
func Load(path string) (Config, error) {
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, ferrors.WrapError(err, ferrors.CategoryConfig, "decode config file").
			Fatal().WithContext("path", path).Build()
	}

	updateMethod, err := enumOrDefault(updateMethodNormalizer, raw.Library.UpdateMethod, UpdateMethodUpdate)
	if err != nil {
		return Config{}, err
	}
	preservationMode, err := enumOrDefault(preservationNormalizer, raw.Library.MetadataPreservationMode, PreservationRemoveAdd)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Email: EmailConfig{
			Address:       raw.Email.Email,
			Password:      raw.Email.Password,
			Server:        raw.Email.Server,
			Mailbox:       defaultString(raw.Email.Mailbox, "INBOX"),
			SleepTime:     durationOrDefault(raw.Email.SleepTime, 60*time.Second),
			DisabledSites: toSet(raw.Email.DisabledSites),
		},
		Library: LibraryConfig{
			Path:                     raw.Library.Path,
			Username:                 raw.Library.Username,
			Password:                 raw.Library.Password,
			DefaultINI:               raw.Library.DefaultINI,
			PersonalINI:              raw.Library.PersonalINI,
			UpdateMethod:             updateMethod,
			MetadataPreservationMode: preservationMode,
		},
		Retry: RetryConfig{
			MaxNormalRetries:      intOrDefault(raw.Retry.MaxNormalRetries, 11),
			FinalAttemptEnabled:   boolOrDefault(raw.Retry.FinalAttemptEnabled, true),
			FinalAttemptWaitHours: floatOrDefault(raw.Retry.FinalAttemptWaitHours, 12.0),
		},
		Runtime: RuntimeConfig{
			ShutdownTimeout:     durationOrDefault(raw.Runtime.ShutdownTimeout, 10*time.Second),
			HealthCheckInterval: durationOrDefault(raw.Runtime.HealthCheckInterval, 30*time.Second),
			AutoRestart:         boolOrDefault(raw.Runtime.AutoRestart, true),
			MaxRestartAttempts:  intOrDefaultAllowZero(raw.Runtime.MaxRestartAttempts, 3),
			RestartDelay:        durationOrDefault(raw.Runtime.RestartDelay, 5*time.Second),
			EnableMonitoring:    boolOrDefault(raw.Runtime.EnableMonitoring, true),
		},
		Notify: NotifyConfig{URLs: raw.Notifications.URLs},
	}

	if cfg.Email.SleepTime < minSleepTime {
		cfg.Email.SleepTime = minSleepTime
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Email.Address == "" {
		return ferrors.ConfigError("email.email must be set").Build()
	}
	if c.Email.Server == "" {
		return ferrors.ConfigError("email.server must be set").Build()
	}
	if c.Library.Path == "" {
		return ferrors.ConfigError("library.path must be set").Build()
	}
	if c.Retry.MaxNormalRetries < 1 || c.Retry.MaxNormalRetries > 50 {
		return ferrors.ConfigError("retry.max_normal_retries must be in [1, 50]").
			WithContext("value", fmt.Sprint(c.Retry.MaxNormalRetries)).Build()
	}
	if c.Retry.FinalAttemptWaitHours <= 0.1 || c.Retry.FinalAttemptWaitHours > 168 {
		return ferrors.ConfigError("retry.final_attempt_wait_hours must be in (0.1, 168]").
			WithContext("value", fmt.Sprintf("%v", c.Retry.FinalAttemptWaitHours)).Build()
	}
	if t := c.Runtime.ShutdownTimeout; t < time.Second || t > 300*time.Second {
		return ferrors.ConfigError("runtime.shutdown_timeout must be in [1, 300] seconds").Build()
	}
	if t := c.Runtime.HealthCheckInterval; t < 100*time.Millisecond || t > 3600*time.Second {
		return ferrors.ConfigError("runtime.health_check_interval must be in [0.1, 3600] seconds").Build()
	}
	if c.Runtime.MaxRestartAttempts < 0 || c.Runtime.MaxRestartAttempts > 10 {
		return ferrors.ConfigError("runtime.max_restart_attempts must be in [0, 10]").Build()
	}
	if t := c.Runtime.RestartDelay; t < 100*time.Millisecond || t > 60*time.Second {
		return ferrors.ConfigError("runtime.restart_delay must be in [0.1, 60] seconds").Build()
	}
	return nil
}

// enumOrDefault resolves a free-text enum field: an omitted value gets the
// documented default, anything else must name a recognized option or Load
// fails — a misspelled update_method must stop the process, not silently
// degrade to the default behavior.
func enumOrDefault[T comparable](n *normalization.EnumNormalizer[T], raw string, def T) (T, error) {
	if raw == "" {
		return def, nil
	}
	v, err := n.NormalizeWithValidation(raw)
	if err != nil {
		return v, ferrors.ConfigError(err.Error()).Build()
	}
	return v, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func intOrDefaultAllowZero(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
