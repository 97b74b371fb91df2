package sink

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/vault"
)

// Resolver looks up configuration values through the chain
//
//  1. explicit config value (cfg[key])
//  2. environment variable (envKey)
//  3. Vault secret at cfg["vault_path"], when a client is configured
//  4. default
//
// Secret-bearing keys such as dsn, brokers, token and credentials should
// always be read through a Resolver.
type Resolver struct {
	vault *vault.Client
}

// NewResolver returns a resolver; v may be nil.
func NewResolver(v *vault.Client) *Resolver {
	return &Resolver{vault: v}
}

// Resolve returns the value of key.
func (r *Resolver) Resolve(ctx context.Context, cfg map[string]any, key, envKey, def string) string {
	if v := configString(cfg, key); v != "" {
		return v
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	if r != nil && r.vault != nil {
		if path := configString(cfg, "vault_path"); path != "" {
			if v := r.vault.Get(ctx, path, key); v != "" {
				return v
			}
		}
	}
	return def
}

// configString reads a scalar config value as a string. Lists are joined
// with commas so that brokers may be written either way.
func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func configInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func configBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
