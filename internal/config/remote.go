package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// remoteEnvironment is the response body of a Spring Cloud Config server for
// GET /{application}/{profile}[/{label}].
type remoteEnvironment struct {
	Name            string   `json:"name"`
	Profiles        []string `json:"profiles"`
	Label           string   `json:"label"`
	Version         string   `json:"version"`
	PropertySources []struct {
		Name   string         `json:"name"`
		Source map[string]any `json:"source"`
	} `json:"propertySources"`
}

// FetchRemoteProperties loads the property sources for the configured application
// and profile. Earlier property sources take precedence over later ones, matching
// the server's ordering.
func FetchRemoteProperties(ctx context.Context, cfg ConfigServerConfig) (Properties, error) {
	if cfg.URL == "" {
		return Properties{}, nil
	}

	endpoint, err := remoteURL(cfg)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build config server request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cfg.ClientID == "" && cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := remoteClient(ctx, cfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch remote config: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env remoteEnvironment
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode remote config: %w", err)
	}

	props := Properties{}
	for i := len(env.PropertySources) - 1; i >= 0; i-- {
		for k, v := range PropertiesFrom(env.PropertySources[i].Source) {
			props[k] = v
		}
	}
	return props, nil
}

func remoteURL(cfg ConfigServerConfig) (string, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse config server url: %w", err)
	}
	segments := []string{cfg.Application, cfg.Profile}
	if cfg.Label != "" {
		segments = append(segments, cfg.Label)
	}
	return base.JoinPath(segments...).String(), nil
}

func remoteClient(ctx context.Context, cfg ConfigServerConfig) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
}
