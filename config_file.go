package fluxq

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the TOML form of the queue options. Unset keys keep the
// queue defaults. Durations are Go duration strings such as "250ms".
//
//	concurrent = 4
//	batch_size = 10
//	batch_delay = "200ms"
//	max_retries = 3
//	retry_delay = "1s"
//
//	[store]
//	type = "sqlite"
//	dsn = "queue.db"
type FileConfig struct {
	IDField                    string    `toml:"id_field"`
	CancelIfRunning            *bool     `toml:"cancel_if_running"`
	AutoResume                 *bool     `toml:"auto_resume"`
	FailTaskOnProcessException *bool     `toml:"fail_task_on_process_exception"`
	Filo                       *bool     `toml:"filo"`
	BatchSize                  *int      `toml:"batch_size"`
	BatchDelay                 *Duration `toml:"batch_delay"`
	BatchDelayTimeout          *Duration `toml:"batch_delay_timeout"`
	AfterProcessDelay          *Duration `toml:"after_process_delay"`
	Concurrent                 *int      `toml:"concurrent"`
	MaxTimeout                 *Duration `toml:"max_timeout"`
	MaxRetries                 *int      `toml:"max_retries"`
	RetryDelay                 *Duration `toml:"retry_delay"`
	StoreMaxRetries            *int      `toml:"store_max_retries"`
	StoreRetryTimeout          *Duration `toml:"store_retry_timeout"`
	PreconditionRetryTimeout   *Duration `toml:"precondition_retry_timeout"`
	MaxQueued                  *int      `toml:"max_queued"`

	Store *StoreConfig `toml:"store"`
}

// Duration decodes a TOML string with time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// LoadConfigFile reads a TOML file and returns the options it sets.
// Unknown keys are rejected so typos do not go unnoticed.
func LoadConfigFile(path string) ([]Option, error) {
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := undecoded(md); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return fc.Options(), nil
}

// ParseConfig is LoadConfigFile for TOML held in memory.
func ParseConfig(data string) ([]Option, error) {
	var fc FileConfig
	md, err := toml.Decode(data, &fc)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := undecoded(md); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.Options(), nil
}

func undecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Options converts the set fields into queue options.
func (fc FileConfig) Options() []Option {
	var opts []Option
	if fc.IDField != "" {
		opts = append(opts, WithIDField(fc.IDField))
	}
	if fc.CancelIfRunning != nil {
		opts = append(opts, WithCancelIfRunning(*fc.CancelIfRunning))
	}
	if fc.AutoResume != nil {
		opts = append(opts, WithAutoResume(*fc.AutoResume))
	}
	if fc.FailTaskOnProcessException != nil {
		opts = append(opts, WithFailTaskOnProcessException(*fc.FailTaskOnProcessException))
	}
	if fc.Filo != nil {
		opts = append(opts, WithFilo(*fc.Filo))
	}
	if fc.BatchSize != nil {
		opts = append(opts, WithBatchSize(*fc.BatchSize))
	}
	if fc.BatchDelay != nil || fc.BatchDelayTimeout != nil {
		opts = append(opts, WithBatchDelay(fc.BatchDelay.value(), fc.BatchDelayTimeout.value()))
	}
	if fc.AfterProcessDelay != nil {
		opts = append(opts, WithAfterProcessDelay(fc.AfterProcessDelay.value()))
	}
	if fc.Concurrent != nil {
		opts = append(opts, WithConcurrent(*fc.Concurrent))
	}
	if fc.MaxTimeout != nil {
		opts = append(opts, WithMaxTimeout(fc.MaxTimeout.value()))
	}
	if fc.MaxRetries != nil || fc.RetryDelay != nil {
		opts = append(opts, func(c *Config) {
			if fc.MaxRetries != nil {
				c.MaxRetries = *fc.MaxRetries
			}
			if fc.RetryDelay != nil {
				c.RetryDelay = fc.RetryDelay.value()
			}
		})
	}
	if fc.StoreMaxRetries != nil || fc.StoreRetryTimeout != nil {
		opts = append(opts, func(c *Config) {
			if fc.StoreMaxRetries != nil {
				c.StoreMaxRetries = *fc.StoreMaxRetries
			}
			if fc.StoreRetryTimeout != nil {
				c.StoreRetryTimeout = fc.StoreRetryTimeout.value()
			}
		})
	}
	if fc.PreconditionRetryTimeout != nil {
		opts = append(opts, WithPreconditionRetryTimeout(fc.PreconditionRetryTimeout.value()))
	}
	if fc.MaxQueued != nil {
		opts = append(opts, WithMaxQueued(*fc.MaxQueued))
	}
	if fc.Store != nil {
		opts = append(opts, WithStore(*fc.Store))
	}
	return opts
}

func (d *Duration) value() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}
