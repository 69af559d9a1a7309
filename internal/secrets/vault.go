// ABOUTME: Vault KV-v2 HTTP client implementing the SecretStore interface
// ABOUTME: Tokens live at {addr}/v1/{mount}/data/agent/{deployment_hash}/token

package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// VaultClient talks to a HashiCorp Vault KV-v2 mount over HTTP.
type VaultClient struct {
	client  *http.Client
	address string
	token   string
	mount   string
	logger  *slog.Logger
}

// VaultConfig holds connection settings for the Vault client.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string // KV-v2 mount name, e.g. "secret"
	Timeout time.Duration
}

// NewVaultClient creates a Vault-backed secret store.
func NewVaultClient(cfg VaultConfig) *VaultClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultClient{
		client:  &http.Client{Timeout: timeout},
		address: strings.TrimRight(cfg.Address, "/"),
		token:   cfg.Token,
		mount:   strings.Trim(mount, "/"),
		logger:  slog.Default().With("component", "vault"),
	}
}

func (v *VaultClient) tokenPath(deploymentHash string) string {
	return fmt.Sprintf("%s/v1/%s/data/agent/%s/token", v.address, v.mount, deploymentHash)
}

// StoreAgentToken writes the bearer token for a deployment hash.
func (v *VaultClient) StoreAgentToken(ctx context.Context, deploymentHash, token string) error {
	payload, err := json.Marshal(map[string]any{
		"data": map[string]string{
			"token":           token,
			"deployment_hash": deploymentHash,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding token payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.tokenPath(deploymentHash), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: vault returned %d", ErrUnavailable, resp.StatusCode)
	}

	v.logger.Debug("stored agent token", "deployment_hash", deploymentHash)
	return nil
}

// FetchAgentToken reads the bearer token for a deployment hash.
// Returns ErrTokenNotFound when no token was ever stored.
func (v *VaultClient) FetchAgentToken(ctx context.Context, deploymentHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.tokenPath(deploymentHash), nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrTokenNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: vault returned %d", ErrUnavailable, resp.StatusCode)
	}

	// KV-v2 wraps the written payload in a second "data" envelope.
	var body struct {
		Data struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding vault response: %w", err)
	}
	if body.Data.Data.Token == "" {
		return "", ErrTokenNotFound
	}
	return body.Data.Data.Token, nil
}

// DeleteAgentToken removes the stored token. Used as the compensating action
// when registration fails after the token was already written.
func (v *VaultClient) DeleteAgentToken(ctx context.Context, deploymentHash string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, v.tokenPath(deploymentHash), nil)
	if err != nil {
		return fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("%w: vault returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

var _ Store = (*VaultClient)(nil)
