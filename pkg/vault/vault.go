// Package vault resolves secrets referenced by sink and source configs
// from HashiCorp Vault.
//
// Vault is optional: New returns (nil, nil) when no address is
// configured, and every method of a nil *Client is a no-op.
//
// Authentication, in order: token (VAULT_TOKEN), AppRole
// (VAULT_ROLE_ID + VAULT_SECRET_ID), Kubernetes (VAULT_K8S_ROLE).
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

const k8sTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Options configures the client. Empty fields fall back to the standard
// VAULT_* environment variables.
type Options struct {
	Addr      string
	Token     string
	Namespace string
	TTL       time.Duration
	Logger    *zap.Logger
}

// Client reads key/value secrets and caches each path for TTL.
type Client struct {
	api      *vaultapi.Client
	ttl      time.Duration
	authType string
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	data      map[string]any
	fetchedAt time.Time
}

// New connects to Vault. It returns (nil, nil) when no address is set.
func New(ctx context.Context, opts Options) (*Client, error) {
	addr := firstNonEmpty(opts.Addr, os.Getenv("VAULT_ADDR"))
	if addr == "" {
		return nil, nil
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	api, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if ns := firstNonEmpty(opts.Namespace, os.Getenv("VAULT_NAMESPACE")); ns != "" {
		api.SetNamespace(ns)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Client{
		api:    api,
		ttl:    ttl,
		logger: logging.OrNop(opts.Logger).Named("vault"),
		cache:  make(map[string]cached),
	}
	if err := c.authenticate(ctx, opts.Token); err != nil {
		return nil, fmt.Errorf("vault auth: %w", err)
	}
	c.logger.Info("vault connected", zap.String("addr", addr), zap.String("auth", c.authType))
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, token string) error {
	if token = firstNonEmpty(token, os.Getenv("VAULT_TOKEN")); token != "" {
		c.api.SetToken(token)
		c.authType = "token"
		return nil
	}

	if roleID, secretID := os.Getenv("VAULT_ROLE_ID"), os.Getenv("VAULT_SECRET_ID"); roleID != "" && secretID != "" {
		c.authType = "approle"
		return c.login(ctx, "auth/approle/login", map[string]any{"role_id": roleID, "secret_id": secretID})
	}

	if role := os.Getenv("VAULT_K8S_ROLE"); role != "" {
		jwt, err := os.ReadFile(k8sTokenPath)
		if err != nil {
			return fmt.Errorf("read service account token: %w", err)
		}
		c.authType = "k8s"
		return c.login(ctx, "auth/kubernetes/login", map[string]any{"role": role, "jwt": string(jwt)})
	}

	return errors.New("no auth method configured (set VAULT_TOKEN, VAULT_ROLE_ID+VAULT_SECRET_ID, or VAULT_K8S_ROLE)")
}

func (c *Client) login(ctx context.Context, path string, body map[string]any) error {
	secret, err := c.api.Logical().WriteWithContext(ctx, path, body)
	if err != nil {
		return fmt.Errorf("%s login: %w", c.authType, err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("%s login: empty auth response", c.authType)
	}
	c.api.SetToken(secret.Auth.ClientToken)
	return nil
}

// Get returns one key of the secret at path, or "" when the key, the
// path or Vault itself is absent.
func (c *Client) Get(ctx context.Context, path, key string) string {
	if c == nil {
		return ""
	}
	data := c.secrets(ctx, path)
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (c *Client) secrets(ctx context.Context, path string) map[string]any {
	c.mu.Lock()
	entry, ok := c.cache[path]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.data
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		c.logger.Warn("vault read failed", zap.String("path", path), zap.Error(err))
		return entry.data
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}

	c.mu.Lock()
	c.cache[path] = cached{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
	c.logger.Debug("vault secrets loaded", zap.String("path", path), zap.Int("keys", len(data)))
	return data
}

// Invalidate drops the cached copy of path.
func (c *Client) Invalidate(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.cache, path)
	c.mu.Unlock()
}

// AuthType reports the authentication method in use.
func (c *Client) AuthType() string {
	if c == nil {
		return ""
	}
	return c.authType
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
