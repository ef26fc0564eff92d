// Package platform defines the plugin boundary for referral platform automation.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"referral-sync/internal/browser"
	"referral-sync/internal/models"
)

// Target identifies what a status update should write.
type Target struct {
	LeadID     int64
	ExternalID string
	Status     string
}

// Driver automates one referral platform. Login returns an auth-category
// syncerr.Error for bad credentials.
type Driver interface {
	Login(ctx context.Context) (bool, error)
	UpdateStatus(ctx context.Context, target Target) (bool, error)
	PlatformName() string
}

// Deps are handed to a driver factory for one sync session.
type Deps struct {
	Session     browser.Session
	Credentials models.PlatformCredentials
	Logger      *zap.Logger
}

// Factory builds a driver bound to deps.
type Factory func(deps Deps) Driver

// Registry maps platform names to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a platform name. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) error {
	key := Normalize(name)
	if key == "" || f == nil {
		return fmt.Errorf("register platform %q: empty name or factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("platform %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Lookup returns the factory for name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[Normalize(name)]
	return f, ok
}

// Names lists registered platforms in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize canonicalizes platform names: "Home Light" -> "home_light".
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}
