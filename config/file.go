package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Debug         *bool   `toml:"debug"`
	RootDir       *string `toml:"root_dir"`
	LoggingPrefix *string `toml:"logging_prefix"`

	Rotation struct {
		Period   string  `toml:"period"`
		Messages *uint64 `toml:"messages"`
	} `toml:"rotation"`

	Sharing struct {
		OnlyTrustedDevices   *bool `toml:"only_trusted_devices"`
		ShareWithBlacklisted *bool `toml:"share_with_blacklisted"`
		ToDeviceChunkSize    *int  `toml:"to_device_chunk_size"`
	} `toml:"sharing"`

	Keys struct {
		MaxOneTimeKeys      *int   `toml:"max_one_time_keys"`
		ClaimFailureBackoff string `toml:"claim_failure_backoff"`
		KeyRequests         *bool  `toml:"key_requests"`
	} `toml:"keys"`

	Verification struct {
		Timeout           string `toml:"timeout"`
		FinishedRetention *int   `toml:"finished_retention"`
	} `toml:"verification"`

	Backup struct {
		BatchSize *int `toml:"batch_size"`
	} `toml:"backup"`
}

// LoadFile reads a TOML file and returns the options it sets. Keys that are absent leave the
// defaults alone, so the result is usually passed to NewConfig ahead of any explicit options.
func LoadFile(path string) ([]Option, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("config: error decoding %s: %w", path, err)
	}
	return fc.options()
}

// Parse is LoadFile for an in-memory document.
func Parse(doc string) ([]Option, error) {
	var fc fileConfig
	if _, err := toml.Decode(doc, &fc); err != nil {
		return nil, fmt.Errorf("config: error decoding: %w", err)
	}
	return fc.options()
}

func (fc *fileConfig) options() ([]Option, error) {
	var opts []Option
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.Rotation.Period != "" || fc.Rotation.Messages != nil {
		period, err := parseDuration("rotation.period", fc.Rotation.Period)
		if err != nil {
			return nil, err
		}
		messages := fc.Rotation.Messages
		opts = append(opts, func(c *Config) {
			if period != 0 {
				c.RotationPeriod = period
			}
			if messages != nil {
				c.RotationMessages = *messages
			}
		})
	}
	if fc.Sharing.OnlyTrustedDevices != nil {
		opts = append(opts, WithOnlyTrustedDevices(*fc.Sharing.OnlyTrustedDevices))
	}
	if fc.Sharing.ShareWithBlacklisted != nil {
		opts = append(opts, WithShareWithBlacklisted(*fc.Sharing.ShareWithBlacklisted))
	}
	if fc.Sharing.ToDeviceChunkSize != nil {
		opts = append(opts, WithToDeviceChunkSize(*fc.Sharing.ToDeviceChunkSize))
	}
	if fc.Keys.MaxOneTimeKeys != nil {
		opts = append(opts, WithMaxOneTimeKeys(*fc.Keys.MaxOneTimeKeys))
	}
	if fc.Keys.ClaimFailureBackoff != "" {
		d, err := parseDuration("keys.claim_failure_backoff", fc.Keys.ClaimFailureBackoff)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithClaimFailureBackoff(d))
	}
	if fc.Keys.KeyRequests != nil {
		opts = append(opts, WithKeyRequests(*fc.Keys.KeyRequests))
	}
	if fc.Verification.Timeout != "" {
		d, err := parseDuration("verification.timeout", fc.Verification.Timeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithVerificationTimeout(d))
	}
	if fc.Verification.FinishedRetention != nil {
		opts = append(opts, WithFinishedFlowRetention(*fc.Verification.FinishedRetention))
	}
	if fc.Backup.BatchSize != nil {
		opts = append(opts, WithBackupBatchSize(*fc.Backup.BatchSize))
	}
	return opts, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: duration for %s must be positive, got %s", key, s)
	}
	return d, nil
}
