package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RetryPolicy tunes the Outbox Processor's backoff curve (spec.md §4.7).
// It is loaded from an optional file so operators can tighten or relax
// retry behavior for a misbehaving downstream (e.g. the push notifier)
// without restarting the fleet.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	JitterFrac  float64       `mapstructure:"jitter_frac"`
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    5 * time.Minute,
		JitterFrac:  0.2,
	}
}

// PolicyStore serves the current RetryPolicy and hot-reloads it from
// disk when the backing file changes, adapted from the teacher's
// viper-based config loader (go-server-3) but scoped to a single
// tunable document rather than the whole process config.
type PolicyStore struct {
	mu     sync.RWMutex
	policy RetryPolicy
	v      *viper.Viper
}

// NewPolicyStore loads path if non-empty and watches it for changes;
// an empty path yields a store that always serves defaultRetryPolicy.
func NewPolicyStore(path string) (*PolicyStore, error) {
	ps := &PolicyStore{policy: defaultRetryPolicy()}
	if path == "" {
		return ps, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("max_attempts", ps.policy.MaxAttempts)
	v.SetDefault("base_delay", ps.policy.BaseDelay)
	v.SetDefault("factor", ps.policy.Factor)
	v.SetDefault("max_delay", ps.policy.MaxDelay)
	v.SetDefault("jitter_frac", ps.policy.JitterFrac)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	ps.v = v
	ps.reload()

	v.OnConfigChange(func(fsnotify.Event) {
		ps.reload()
	})
	v.WatchConfig()

	return ps, nil
}

func (ps *PolicyStore) reload() {
	var p RetryPolicy
	if err := ps.v.Unmarshal(&p); err != nil {
		return // keep serving the last good policy
	}
	ps.mu.Lock()
	ps.policy = p
	ps.mu.Unlock()
}

// Current returns the active retry policy.
func (ps *PolicyStore) Current() RetryPolicy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.policy
}
