package config

import (
	"fmt"
	"strings"

	"chime/internal/trigger"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// TickEvery is the control-loop cadence; default "1s".
	TickEvery string `json:"tick_every,omitempty"`

	// DefaultTimeout bounds job commands that set no timeout of their own.
	// "0s" disables the global default.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// EngineConfig controls the worker pool that runs job bodies.
type EngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

type RetryConfig struct {
	MaxRetries  int  `json:"max_retries"`
	DelaySecs   int  `json:"delay_secs"`
	Exponential bool `json:"exponential,omitempty"`
}

// JobConfig declares one recurring job. Schedule is whole seconds for
// "interval" jobs and a 7-field cron expression for "cron" jobs.
// DependsOn names must refer to jobs declared earlier in the list.
type JobConfig struct {
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Schedule  string       `json:"schedule"`
	Timezone  string       `json:"timezone,omitempty"`
	Command   []string     `json:"command"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Retry     *RetryConfig `json:"retry,omitempty"`
	Timeout   string       `json:"timeout,omitempty"` // Go duration string
}

// Validate checks everything that can be checked without side effects, so
// a hot-reloaded config is rejected before anything is committed.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("scheduler.tick_every", c.Scheduler.TickEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s: name required", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: duplicate job name %q", path, name)
		}
		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			return fmt.Errorf("%s (%s): command required", path, name)
		}
		if _, err := trigger.ParseSpec(j.Type, j.Schedule, j.Timezone); err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			return err
		}
		if r := j.Retry; r != nil {
			if r.MaxRetries < 0 {
				return fmt.Errorf("%s (%s): retry.max_retries must be >= 0", path, name)
			}
			if r.DelaySecs < 0 {
				return fmt.Errorf("%s (%s): retry.delay_secs must be >= 0", path, name)
			}
		}
		for _, dep := range j.DependsOn {
			if _, ok := seen[strings.TrimSpace(dep)]; !ok {
				return fmt.Errorf("%s (%s): depends_on %q does not name an earlier job", path, name, dep)
			}
		}
		seen[name] = struct{}{}
	}
	return nil
}
