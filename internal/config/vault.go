package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	vault "github.com/hashicorp/vault/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FetchVaultSecrets reads a KV v2 secret and returns its fields as properties.
// A missing secret yields an empty set.
func FetchVaultSecrets(ctx context.Context, cfg VaultConfig) (Properties, error) {
	if cfg.Address == "" {
		return Properties{}, nil
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	vc.HttpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	secret, err := client.KVv2(cfg.Mount).Get(ctx, cfg.Path)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return Properties{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s/%s: %w", cfg.Mount, cfg.Path, err)
	}
	return PropertiesFrom(secret.Data), nil
}

// LoadContext loads configuration from the environment, then layers Vault secrets
// and config server properties underneath it when they are configured.
// Precedence: environment, Vault, config server, defaults.
func LoadContext(ctx context.Context) (*AppConfig, error) {
	base := Load()
	sources := []Source{EnvSource()}

	if base.Vault.Address != "" {
		secrets, err := FetchVaultSecrets(ctx, base.Vault)
		if err != nil {
			return nil, err
		}
		sources = append(sources, secrets)
	}

	if base.ConfigServer.URL != "" {
		// Credentials for the config server may themselves live in Vault.
		cs := LoadFrom(sources...).ConfigServer
		props, err := FetchRemoteProperties(ctx, cs)
		if err != nil {
			return nil, err
		}
		sources = append(sources, props)
	}

	return LoadFrom(sources...), nil
}
