package config

import (
	"context"
	"fmt"
	"sync"
)

// PreferencesKey is the cache key holding the preferred simulation models
const PreferencesKey = "preferredSimModels"

// KV is the subset of the persistent cache preferences live in
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// Preferences remembers the simulation model the user picked for each
// custom circuit path
type Preferences struct {
	mu     sync.RWMutex
	store  KV
	key    string
	models map[string]string
}

// PreferencesOption is a functional option for configuring Preferences
type PreferencesOption func(*preferencesConfig)

type preferencesConfig struct {
	key string
}

// WithPreferencesKey sets the cache key the preferences are stored under
func WithPreferencesKey(key string) PreferencesOption {
	return func(c *preferencesConfig) {
		c.key = key
	}
}

// NewPreferences loads the stored preferences. A store without any yields an
// empty set.
func NewPreferences(ctx context.Context, store KV, options ...PreferencesOption) (*Preferences, error) {
	config := &preferencesConfig{key: PreferencesKey}
	for _, option := range options {
		option(config)
	}

	p := &Preferences{
		store:  store,
		key:    config.key,
		models: make(map[string]string),
	}
	if _, err := store.Get(ctx, p.key, &p.models); err != nil {
		return nil, fmt.Errorf("could not load preferences: %w", err)
	}
	if p.models == nil {
		p.models = make(map[string]string)
	}
	return p, nil
}

// SimModel returns the model saved for path, or "" when none was
func (p *Preferences) SimModel(path string) string {
	if p == nil {
		return ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.models[path]
}

// SaveSimModel records model as the preference for path
func (p *Preferences) SaveSimModel(ctx context.Context, path, model string) error {
	if p == nil {
		return fmt.Errorf("preferences not initialized")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	updated := make(map[string]string, len(p.models)+1)
	for k, v := range p.models {
		updated[k] = v
	}
	updated[path] = model
	if err := p.store.Set(ctx, p.key, updated); err != nil {
		return fmt.Errorf("could not save preferences: %w", err)
	}
	p.models = updated
	return nil
}
