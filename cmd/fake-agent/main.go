// ABOUTME: Minimal fake agent for E2E testing — registers over HTTP and executes canned commands.
// ABOUTME: Usage: fake-agent [-url http://localhost:8080] [-hash <deployment>] [-operator-token <jwt>]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"
)

type command struct {
	CommandID  string          `json:"command_id"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

// credentials is the state saved after first registration so restarts
// reuse the one-time token instead of re-registering.
type credentials struct {
	DeploymentHash string `json:"deployment_hash"`
	AgentToken     string `json:"agent_token"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "control plane base URL")
	hash := flag.String("hash", "e2e-fake-deployment", "deployment hash")
	operatorToken := flag.String("operator-token", os.Getenv("STACKER_TOKEN"), "operator JWT used only for first registration")
	stateFile := flag.String("state", "fake-agent-state.json", "file holding the saved agent token")
	flag.Parse()

	if err := run(*baseURL, *hash, *operatorToken, *stateFile); err != nil {
		log.Fatal(err)
	}
}

func run(baseURL, hash, operatorToken, stateFile string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	creds, err := loadOrRegister(ctx, baseURL, hash, operatorToken, stateFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "polling as deployment %s\n", creds.DeploymentHash)

	client := &http.Client{Timeout: 60 * time.Second}

	for {
		if ctx.Err() != nil {
			return nil
		}

		cmd, err := waitForCommand(ctx, client, baseURL, creds)
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			log.Printf("wait error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if cmd == nil {
			continue // long poll timed out, go again
		}

		log.Printf("received command [%s]: %s", cmd.CommandID, cmd.Type)

		// Best effort; execution proceeds whether or not the ack lands.
		if err := acknowledge(ctx, client, baseURL, creds, cmd.CommandID); err != nil {
			log.Printf("ack error: %v", err)
		}

		// Small delay to simulate doing the work
		time.Sleep(100 * time.Millisecond)

		result := executeCommand(cmd)
		if err := report(ctx, client, baseURL, creds, cmd.CommandID, result); err != nil {
			log.Printf("report error: %v", err)
		}
	}
}

// loadOrRegister reuses a saved token or registers once and saves it.
func loadOrRegister(ctx context.Context, baseURL, hash, operatorToken, stateFile string) (*credentials, error) {
	if data, err := os.ReadFile(stateFile); err == nil {
		var creds credentials
		if json.Unmarshal(data, &creds) == nil && creds.AgentToken != "" {
			return &creds, nil
		}
	}

	if operatorToken == "" {
		return nil, fmt.Errorf("no saved state and no operator token; set -operator-token or STACKER_TOKEN")
	}

	body, _ := json.Marshal(map[string]any{
		"deployment_hash": hash,
		"capabilities":    []string{"docker", "logs", "compose", "backup"},
		"version":         "fake-0.1",
		"system_info":     map[string]string{"hostname": "e2e-test", "os": "test"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/agent/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}

	var regResp struct {
		AgentID    string `json:"agent_id"`
		AgentToken string `json:"agent_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&regResp); err != nil {
		return nil, fmt.Errorf("register: decoding response: %w", err)
	}

	creds := &credentials{DeploymentHash: hash, AgentToken: regResp.AgentToken}
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(stateFile, data, 0600); err != nil {
		log.Printf("warning: could not save state: %v", err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", regResp.AgentID)
	return creds, nil
}

func waitForCommand(ctx context.Context, client *http.Client, baseURL string, creds *credentials) (*command, error) {
	url := baseURL + "/agent/commands/wait?max_wait_seconds=25"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	agentHeaders(req, creds)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var cmd command
		if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
			return nil, fmt.Errorf("decoding command: %w", err)
		}
		return &cmd, nil
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func acknowledge(ctx context.Context, client *http.Client, baseURL string, creds *credentials, commandID string) error {
	body, _ := json.Marshal(map[string]any{"command_id": commandID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/agent/commands/ack", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	agentHeaders(req, creds)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func report(ctx context.Context, client *http.Client, baseURL string, creds *credentials, commandID string, result map[string]any) error {
	body, _ := json.Marshal(map[string]any{
		"command_id": commandID,
		"status":     "completed",
		"result":     result,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/agent/commands/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	agentHeaders(req, creds)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func agentHeaders(req *http.Request, creds *credentials) {
	req.Header.Set("X-Agent-Id", creds.DeploymentHash)
	req.Header.Set("Authorization", "Bearer "+creds.AgentToken)
}

// executeCommand fabricates a plausible result for each command type.
func executeCommand(cmd *command) map[string]any {
	switch cmd.Type {
	case "logs":
		return map[string]any{
			"lines": []string{"2026-01-01T00:00:00Z app started", "2026-01-01T00:00:01Z listening on :3000"},
		}
	case "backup":
		return map[string]any{"archive": "/backups/fake-20260101.tar.gz", "size_bytes": 1024}
	default:
		return map[string]any{"message": fmt.Sprintf("%s completed", cmd.Type), "exit_code": 0}
	}
}
