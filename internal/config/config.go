// Package config loads beadwork options from config files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options holds the runtime configuration for the persistence core.
// The host constructs one (usually via Load) and injects it into the
// cache, queue, and coordinator.
type Options struct {
	// DebounceInterval is the quiet period after the last enqueue
	// before a project is flushed.
	DebounceInterval time.Duration

	// BusyTimeout is the sqlite busy-wait timeout used when opening
	// the store, tolerating the external sync command's concurrent
	// access to the same file.
	BusyTimeout time.Duration

	// MaxRetryAttempts bounds how many times a failed queue item is
	// re-applied before it is moved to the dead-letter list.
	MaxRetryAttempts int

	// HistoryLimit caps the per-project completed history and
	// dead-letter rings.
	HistoryLimit int

	// SyncBeforeFlush runs the external sync command before pending
	// items are applied.
	SyncBeforeFlush bool

	// SyncAfterFlush runs the external sync command after pending
	// items are applied.
	SyncAfterFlush bool

	// SyncCommand is the executable invoked with a "sync" argument in
	// the project directory.
	SyncCommand string

	// StorePath is the store file location relative to a project root.
	StorePath string

	// Workers sizes the flush coordinator's worker pool.
	Workers int
}

// Defaults returns the built-in option values.
func Defaults() Options {
	return Options{
		DebounceInterval: 2 * time.Second,
		BusyTimeout:      5 * time.Second,
		MaxRetryAttempts: 3,
		HistoryLimit:     100,
		SyncBeforeFlush:  true,
		SyncAfterFlush:   true,
		SyncCommand:      "bd",
		StorePath:        filepath.Join(".beads", "issues.db"),
		Workers:          4,
	}
}

// Load reads options from .beadwork.yaml (searched from cwd upward,
// then the user config directory) and BW_* environment variables.
// Missing config files are not an error; defaults apply.
func Load() (Options, error) {
	v := viper.New()
	v.SetConfigName(".beadwork")
	v.SetConfigType("yaml")

	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			if _, err := os.Stat(filepath.Join(dir, ".beadwork.yaml")); err == nil {
				v.AddConfigPath(dir)
				break
			}
		}
		v.AddConfigPath(cwd)
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "beadwork"))
	}

	v.SetEnvPrefix("BW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("debounce-interval", d.DebounceInterval.String())
	v.SetDefault("busy-timeout", d.BusyTimeout.String())
	v.SetDefault("max-retry-attempts", d.MaxRetryAttempts)
	v.SetDefault("history-limit", d.HistoryLimit)
	v.SetDefault("sync-before-flush", d.SyncBeforeFlush)
	v.SetDefault("sync-after-flush", d.SyncAfterFlush)
	v.SetDefault("sync-command", d.SyncCommand)
	v.SetDefault("store-path", d.StorePath)
	v.SetDefault("workers", d.Workers)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Options{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	opts := Options{
		DebounceInterval: v.GetDuration("debounce-interval"),
		BusyTimeout:      v.GetDuration("busy-timeout"),
		MaxRetryAttempts: v.GetInt("max-retry-attempts"),
		HistoryLimit:     v.GetInt("history-limit"),
		SyncBeforeFlush:  v.GetBool("sync-before-flush"),
		SyncAfterFlush:   v.GetBool("sync-after-flush"),
		SyncCommand:      v.GetString("sync-command"),
		StorePath:        v.GetString("store-path"),
		Workers:          v.GetInt("workers"),
	}
	return opts.normalized(), nil
}

func (o Options) normalized() Options {
	d := Defaults()
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = d.DebounceInterval
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.MaxRetryAttempts < 1 {
		o.MaxRetryAttempts = 1
	}
	if o.HistoryLimit < 1 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.SyncCommand == "" {
		o.SyncCommand = d.SyncCommand
	}
	if o.StorePath == "" {
		o.StorePath = d.StorePath
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}
