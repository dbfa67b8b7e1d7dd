// Package secrets resolves credential identifiers to secret values and keeps
// those values out of captured output.
package secrets

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/errors"
)

// Kind identifies the shape of a credential.
type Kind string

const (
	KindUsernamePassword Kind = "usernamePassword"
	KindSecret           Kind = "secret"
	KindSSHKey           Kind = "sshKey"
)

// Credential holds the resolved secret components of one credential.
type Credential struct {
	ID     string            `yaml:"-"`
	Kind   Kind              `yaml:"kind"`
	Values map[string]string `yaml:"values"`
}

// Provider resolves credential identifiers against one secret backend.
//
// Get returns a CREDENTIAL_NOT_FOUND error when the backend does not know
// the identifier; any other error is treated as a backend failure.
type Provider interface {
	Name() string
	Get(ctx context.Context, id string) (*Credential, error)
}

// Manager resolves credentials across registered providers in priority
// order, caching hits for the lifetime of the manager (one pipeline run).
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	priority  []string
	cache     map[string]*Credential
}

// NewManager creates a manager with no providers registered.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		priority:  []string{},
		cache:     make(map[string]*Credential),
	}
}

// DefaultManager creates a manager with the env provider registered.
func DefaultManager() *Manager {
	m := NewManager()
	m.RegisterProvider(NewEnvProvider())
	return m
}

// RegisterProvider adds a provider at the end of the priority order.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[p.Name()]; !exists {
		m.priority = append(m.priority, p.Name())
	}
	m.providers[p.Name()] = p
}

// SetPriority overrides the provider lookup order. Unknown names are ignored
// at lookup time.
func (m *Manager) SetPriority(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = names
}

// Get resolves a credential by id. Providers are consulted in priority
// order; the first hit wins and is cached. A backend failure aborts the
// lookup rather than falling through, so a flaky backend can't silently
// serve stale or lower-priority values.
func (m *Manager) Get(ctx context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[id]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	priority := make([]string, len(m.priority))
	copy(priority, m.priority)
	m.mu.RUnlock()

	for _, name := range priority {
		m.mu.RLock()
		p, ok := m.providers[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		cred, err := p.Get(ctx, id)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeCredentialMissing {
				continue
			}
			return nil, errors.CredentialBackendUnavailable(name, err)
		}
		cred.ID = id

		m.mu.Lock()
		m.cache[id] = cred
		m.mu.Unlock()
		return cred, nil
	}

	return nil, errors.CredentialNotFound(id)
}

// Bind resolves the credential id and derives a child scope carrying the
// mapped secret variables. vars maps secret components to environment
// variable names. Every bound value is registered with the redactor before
// it becomes visible to any step.
//
// The returned release function scrubs the bound values; callers invoke it
// when the requesting stage exits and must discard the scope afterwards.
// Redaction registrations survive release so late log flushes stay masked.
func (m *Manager) Bind(ctx context.Context, id string, vars map[string]string, scope *environ.Scope, red *Redactor) (*environ.Scope, func(), error) {
	cred, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	bound := make(map[string]string, len(vars))
	for component, envName := range vars {
		v, ok := cred.Values[component]
		if !ok {
			return nil, nil, errors.CredentialNotFound(id).
				WithDetail("component", component)
		}
		if red != nil {
			red.Add(v)
		}
		bound[envName] = v
	}

	child := scope.Derive(bound)
	release := func() {
		for k := range bound {
			bound[k] = ""
		}
	}
	return child, release, nil
}

// StaticProvider serves credentials from an in-memory map, typically seeded
// from a local credentials file.
type StaticProvider struct {
	creds map[string]*Credential
}

// NewStaticProvider creates a provider over the given credentials.
func NewStaticProvider(creds map[string]*Credential) *StaticProvider {
	if creds == nil {
		creds = map[string]*Credential{}
	}
	return &StaticProvider{creds: creds}
}

// Name returns "static".
func (p *StaticProvider) Name() string { return "static" }

// Get returns the credential registered under id.
func (p *StaticProvider) Get(_ context.Context, id string) (*Credential, error) {
	cred, ok := p.creds[id]
	if !ok {
		return nil, errors.CredentialNotFound(id)
	}
	cp := &Credential{ID: id, Kind: cred.Kind, Values: make(map[string]string, len(cred.Values))}
	for k, v := range cred.Values {
		cp.Values[k] = v
	}
	if cp.Kind == "" {
		cp.Kind = inferKind(cp.Values)
	}
	return cp, nil
}

// EnvProvider resolves credentials from process environment variables.
// For id "docker-registry" it looks for DOCKER_REGISTRY_<COMPONENT>
// variables (e.g. DOCKER_REGISTRY_USERNAME) and falls back to a single
// DOCKER_REGISTRY variable as a bare secret.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

// Name returns "env".
func (p *EnvProvider) Name() string { return "env" }

// Get resolves id against the process environment.
func (p *EnvProvider) Get(_ context.Context, id string) (*Credential, error) {
	prefix := envKey(id)

	values := map[string]string{}
	for _, component := range []string{"username", "password", "secret", "key", "passphrase"} {
		if v, ok := os.LookupEnv(prefix + "_" + strings.ToUpper(component)); ok {
			values[component] = v
		}
	}
	if len(values) == 0 {
		if v, ok := os.LookupEnv(prefix); ok {
			values["secret"] = v
		}
	}
	if len(values) == 0 {
		return nil, errors.CredentialNotFound(id)
	}

	return &Credential{ID: id, Kind: inferKind(values), Values: values}, nil
}

func envKey(id string) string {
	key := strings.ToUpper(id)
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}

func inferKind(values map[string]string) Kind {
	if _, ok := values["key"]; ok {
		return KindSSHKey
	}
	if _, ok := values["username"]; ok {
		return KindUsernamePassword
	}
	return KindSecret
}
