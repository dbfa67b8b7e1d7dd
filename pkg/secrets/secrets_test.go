package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/errors"
)

func staticCreds() map[string]*Credential {
	return map[string]*Credential{
		"docker-registry": {
			Kind:   KindUsernamePassword,
			Values: map[string]string{"username": "ci-bot", "password": "hunter2"},
		},
		"api-key": {
			Values: map[string]string{"secret": "apikey456"},
		},
	}
}

func TestNewManager(t *testing.T) {
	m := NewManager()
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if m.providers == nil {
		t.Error("providers map is nil")
	}
	if m.priority == nil {
		t.Error("priority slice is nil")
	}
	if m.cache == nil {
		t.Error("cache is nil")
	}
}

func TestDefaultManager(t *testing.T) {
	m := DefaultManager()
	if m == nil {
		t.Fatal("DefaultManager returned nil")
	}

	// Should have env provider registered
	if len(m.providers) != 1 {
		t.Errorf("Expected 1 provider, got %d", len(m.providers))
	}
	if _, ok := m.providers["env"]; !ok {
		t.Error("env provider not registered")
	}
}

func TestManager_RegisterProvider(t *testing.T) {
	m := NewManager()

	m.RegisterProvider(NewStaticProvider(staticCreds()))

	if len(m.providers) != 1 {
		t.Errorf("Expected 1 provider, got %d", len(m.providers))
	}
	if _, ok := m.providers["static"]; !ok {
		t.Error("static provider not registered")
	}
	if len(m.priority) != 1 || m.priority[0] != "static" {
		t.Error("priority not set correctly")
	}
}

func TestManager_SetPriority(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewEnvProvider())
	m.RegisterProvider(NewStaticProvider(nil))

	m.SetPriority([]string{"static", "env"})

	if len(m.priority) != 2 {
		t.Errorf("Expected 2 priorities, got %d", len(m.priority))
	}
	if m.priority[0] != "static" {
		t.Errorf("First priority should be 'static', got %q", m.priority[0])
	}
}

func TestManager_Get(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(staticCreds()))

	ctx := context.Background()

	t.Run("existing credential", func(t *testing.T) {
		cred, err := m.Get(ctx, "docker-registry")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if cred.Kind != KindUsernamePassword {
			t.Errorf("Kind: got %q, want %q", cred.Kind, KindUsernamePassword)
		}
		if cred.Values["password"] != "hunter2" {
			t.Errorf("password: got %q, want %q", cred.Values["password"], "hunter2")
		}
	})

	t.Run("nonexistent credential", func(t *testing.T) {
		_, err := m.Get(ctx, "nonexistent")
		if err == nil {
			t.Fatal("Expected error for nonexistent credential")
		}
		if errors.CodeOf(err) != errors.ErrCodeCredentialMissing {
			t.Errorf("error code: got %q, want %q", errors.CodeOf(err), errors.ErrCodeCredentialMissing)
		}
	})

	t.Run("kind inferred for untyped credentials", func(t *testing.T) {
		cred, err := m.Get(ctx, "api-key")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if cred.Kind != KindSecret {
			t.Errorf("Kind: got %q, want %q", cred.Kind, KindSecret)
		}
	})

	t.Run("caching", func(t *testing.T) {
		cred1, _ := m.Get(ctx, "api-key")
		cred2, _ := m.Get(ctx, "api-key")
		if cred1 != cred2 {
			t.Error("second Get should return the cached credential")
		}
	})
}

func TestManager_PriorityOrder(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(map[string]*Credential{
		"token": {Values: map[string]string{"secret": "from-static"}},
	}))
	m.RegisterProvider(&fakeProvider{name: "other", creds: map[string]*Credential{
		"token": {Values: map[string]string{"secret": "from-other"}},
	}})

	cred, err := m.Get(context.Background(), "token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.Values["secret"] != "from-static" {
		t.Errorf("first registered provider should win, got %q", cred.Values["secret"])
	}
}

func TestManager_FallsThroughMisses(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(&fakeProvider{name: "empty"})
	m.RegisterProvider(NewStaticProvider(staticCreds()))

	cred, err := m.Get(context.Background(), "docker-registry")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.Values["username"] != "ci-bot" {
		t.Errorf("username: got %q", cred.Values["username"])
	}
}

func TestManager_BackendFailureDoesNotFallThrough(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(&fakeProvider{name: "broken", err: fmt.Errorf("connection refused")})
	m.RegisterProvider(NewStaticProvider(staticCreds()))

	_, err := m.Get(context.Background(), "docker-registry")
	if err == nil {
		t.Fatal("expected backend error")
	}
	if errors.CodeOf(err) != errors.ErrCodeCredentialBackend {
		t.Errorf("error code: got %q, want %q", errors.CodeOf(err), errors.ErrCodeCredentialBackend)
	}
}

func TestManager_Bind(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(staticCreds()))
	red := NewRedactor()

	parent := environ.NewScope(map[string]string{"HOME": "/ci"})
	vars := map[string]string{"username": "DOCKER_USER", "password": "DOCKER_PASS"}

	scope, release, err := m.Bind(context.Background(), "docker-registry", vars, parent, red)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if v, _ := scope.Resolve("DOCKER_USER"); v != "ci-bot" {
		t.Errorf("DOCKER_USER = %q, want ci-bot", v)
	}
	if v, _ := scope.Resolve("DOCKER_PASS"); v != "hunter2" {
		t.Errorf("DOCKER_PASS = %q, want hunter2", v)
	}
	if v, _ := scope.Resolve("HOME"); v != "/ci" {
		t.Errorf("parent variables should remain visible, HOME = %q", v)
	}

	// Parent never sees the bound variables.
	if _, ok := parent.Resolve("DOCKER_PASS"); ok {
		t.Error("secret leaked into parent scope")
	}

	// Bound values are registered for redaction before any step runs.
	if got := red.Redact("password is hunter2"); strings.Contains(got, "hunter2") {
		t.Errorf("redactor missed bound secret: %q", got)
	}

	release()
	if v, _ := scope.Resolve("DOCKER_PASS"); v != "" {
		t.Errorf("release should scrub bound values, got %q", v)
	}

	// Redaction survives release.
	if got := red.Redact("hunter2"); got != Mask {
		t.Errorf("redaction dropped after release: %q", got)
	}
}

func TestManager_Bind_MissingComponent(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(staticCreds()))

	_, _, err := m.Bind(context.Background(), "api-key", map[string]string{"username": "U"}, environ.NewScope(nil), NewRedactor())
	if err == nil {
		t.Fatal("expected error for missing component")
	}
	if errors.CodeOf(err) != errors.ErrCodeCredentialMissing {
		t.Errorf("error code: got %q", errors.CodeOf(err))
	}
}

func TestManager_Bind_NestedSameID(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(staticCreds()))
	red := NewRedactor()
	root := environ.NewScope(nil)

	outer, releaseOuter, err := m.Bind(context.Background(), "docker-registry", map[string]string{"password": "TOKEN"}, root, red)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	inner, releaseInner, err := m.Bind(context.Background(), "api-key", map[string]string{"secret": "TOKEN"}, outer, red)
	if err != nil {
		t.Fatalf("nested Bind failed: %v", err)
	}

	// Innermost wins per normal scope resolution.
	if v, _ := inner.Resolve("TOKEN"); v != "apikey456" {
		t.Errorf("inner TOKEN = %q, want apikey456", v)
	}
	if v, _ := outer.Resolve("TOKEN"); v != "hunter2" {
		t.Errorf("outer TOKEN = %q, want hunter2", v)
	}

	releaseInner()
	releaseOuter()
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("MY_SERVICE_USERNAME", "svc")
	t.Setenv("MY_SERVICE_PASSWORD", "pw")
	t.Setenv("PLAIN_TOKEN", "tok")

	p := NewEnvProvider()
	ctx := context.Background()

	cred, err := p.Get(ctx, "my-service")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.Kind != KindUsernamePassword {
		t.Errorf("Kind: got %q", cred.Kind)
	}
	if cred.Values["username"] != "svc" || cred.Values["password"] != "pw" {
		t.Errorf("values: got %v", cred.Values)
	}

	cred, err = p.Get(ctx, "plain-token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cred.Kind != KindSecret || cred.Values["secret"] != "tok" {
		t.Errorf("bare secret: got kind=%q values=%v", cred.Kind, cred.Values)
	}

	if _, err := p.Get(ctx, "never-set-anywhere"); errors.CodeOf(err) != errors.ErrCodeCredentialMissing {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestManager_ConcurrentGet(t *testing.T) {
	m := NewManager()
	m.RegisterProvider(NewStaticProvider(staticCreds()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Get(context.Background(), "docker-registry"); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

// fakeProvider returns canned credentials or a fixed error.
type fakeProvider struct {
	name  string
	creds map[string]*Credential
	err   error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Get(_ context.Context, id string) (*Credential, error) {
	if p.err != nil {
		return nil, p.err
	}
	if cred, ok := p.creds[id]; ok {
		return cred, nil
	}
	return nil, errors.CredentialNotFound(id)
}
