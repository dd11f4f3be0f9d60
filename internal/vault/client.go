// Package vault reads boot secrets from a HashiCorp Vault KV-v2 mount.
// Deployments that keep secrets in the environment run with the client
// disabled, which turns every read into a no-op.
package vault

import (
	"context"

	"github.com/hashicorp/vault/api"

	"signal-screener/internal/errs"
)

// Config holds Vault connection settings.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	config Config
}

// NewClient creates a new Vault client. With Enabled false the client is
// inert and Secrets returns nothing.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "configuring vault TLS", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "creating vault client", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Secrets reads the engine's secret bundle from the KV-v2 path and returns
// the string fields. Boot overlays these onto the environment-derived
// config: database credentials, redis password, auth secret.
func (c *Client) Secrets(ctx context.Context) (map[string]string, error) {
	if !c.config.Enabled {
		return nil, nil
	}

	path := c.config.MountPath + "/data/" + c.config.SecretPath
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "reading vault secrets", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errs.Ef(errs.KindConfig, "no secrets at vault path %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errs.E(errs.KindConfig, "unexpected vault secret format, want KV-v2")
	}

	out := make(map[string]string, len(data))
	for key, val := range data {
		if s, ok := val.(string); ok {
			out[key] = s
		}
	}
	return out, nil
}

// Health checks that Vault is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "vault health check failed", err)
	}
	if health.Sealed {
		return errs.E(errs.KindUpstream, "vault is sealed")
	}
	return nil
}
