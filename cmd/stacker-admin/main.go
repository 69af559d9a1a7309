// ABOUTME: Operator CLI for the stacker control plane
// ABOUTME: Registers agents, enqueues commands, and inspects queues and audit logs over HTTP

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/trydirect/stacker-sub002/internal/auth"
)

const banner = `
      _             _                             _           _
  ___| |_ __ _  ___| | _____ _ __       __ _  __| |_ __ ___ (_)_ __
 / __| __/ _' |/ __| |/ / _ \ '__|____ / _' |/ _' | '_ ' _ \| | '_ \
 \__ \ || (_| | (__|   <  __/ | |_____| (_| | (_| | | | | | | | | | |
 |___/\__\__,_|\___|_|\_\___|_|        \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := strings.TrimSuffix(getEnv("STACKER_PLANE_URL", "http://localhost:8080"), "/")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL)
	case "deployment", "agent", "agents":
		err = cmdDeployment(baseURL, token, args)
	case "enqueue":
		err = cmdEnqueue(baseURL, token, args)
	case "commands":
		err = cmdCommands(baseURL, token, args)
	case "cancel":
		err = cmdCancel(baseURL, token, args)
	case "capabilities":
		err = cmdCapabilities(baseURL, args)
	case "audit":
		err = cmdAudit(baseURL, token, args)
	case "token":
		err = cmdToken(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: stacker-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Check control plane health")
	fmt.Println("  deployment <hash>             Show agent state and recent commands")
	fmt.Println("  enqueue                       Enqueue a command for a deployment")
	fmt.Println("  commands <hash>               List commands for a deployment")
	fmt.Println("  cancel <hash> <command-id>    Cancel a queued command")
	fmt.Println("  capabilities <hash>           Show the command catalog for a deployment")
	fmt.Println("  audit                         List audit log entries")
	fmt.Println("  token create                  Mint an operator JWT (needs STACKER_JWT_SECRET)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  STACKER_PLANE_URL    Control plane base URL (default: http://localhost:8080)")
	fmt.Println("  STACKER_TOKEN        Operator JWT (or ~/.config/stacker/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export STACKER_TOKEN=\"eyJhbG...\"")
	fmt.Println("  stacker-admin enqueue --deployment abc123 --type restart --priority high")
	fmt.Println("  stacker-admin commands abc123 --limit 20")
	fmt.Println("  stacker-admin audit --deployment abc123 --action command.enqueued")
	fmt.Println()
}

// apiError is the control plane's error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

// doJSON issues a request with operator auth and decodes the response into out.
func doJSON(method, url, token string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope apiError
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func requireToken(token string) error {
	if token == "" {
		return fmt.Errorf("STACKER_TOKEN environment variable is required (or ~/.config/stacker/token)")
	}
	return nil
}

func cmdStatus(baseURL string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	resp, err := httpClient.Get(baseURL + "/health")
	if err != nil {
		yellow.Printf("  Plane:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		green.Printf("  Plane:  ")
		fmt.Printf("OK (%s)\n", baseURL)
	} else {
		yellow.Printf("  Plane:  ")
		color.Red("status %d\n", resp.StatusCode)
	}
	fmt.Println()
	return nil
}

type deploymentSnapshot struct {
	Agent struct {
		AgentID       string     `json:"agent_id"`
		Capabilities  []string   `json:"capabilities"`
		Version       string     `json:"version"`
		Status        string     `json:"status"`
		LastHeartbeat *time.Time `json:"last_heartbeat"`
		CreatedAt     time.Time  `json:"created_at"`
	} `json:"agent"`
	Commands []commandRow `json:"commands"`
}

type commandRow struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Priority  string          `json:"priority"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func cmdDeployment(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: deployment <hash>")
	}
	hash := args[0]

	var snap deploymentSnapshot
	url := fmt.Sprintf("%s/agent/deployments/%s?command_limit=10", baseURL, hash)
	if err := doJSON(http.MethodGet, url, token, nil, &snap); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agent")
	cyan.Println("  -----")
	fmt.Printf("  Agent ID:      %s\n", snap.Agent.AgentID)
	fmt.Printf("  Status:        %s\n", statusColored(snap.Agent.Status))
	fmt.Printf("  Version:       %s\n", orDash(snap.Agent.Version))
	fmt.Printf("  Capabilities:  %s\n", strings.Join(snap.Agent.Capabilities, ", "))
	if snap.Agent.LastHeartbeat != nil {
		fmt.Printf("  Last seen:     %s\n", snap.Agent.LastHeartbeat.Format(time.RFC3339))
	} else {
		fmt.Printf("  Last seen:     (never)\n")
	}
	fmt.Println()

	cyan.Println("  Recent Commands")
	cyan.Println("  ---------------")
	printCommandTable(snap.Commands)
	return nil
}

func cmdEnqueue(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}

	var hash, cmdType, priority, params, timeout string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--deployment", "-d":
			if i+1 < len(args) {
				hash = args[i+1]
				i++
			}
		case "--type", "-t":
			if i+1 < len(args) {
				cmdType = args[i+1]
				i++
			}
		case "--priority", "-p":
			if i+1 < len(args) {
				priority = args[i+1]
				i++
			}
		case "--params":
			if i+1 < len(args) {
				params = args[i+1]
				i++
			}
		case "--timeout":
			if i+1 < len(args) {
				timeout = args[i+1]
				i++
			}
		}
	}

	if hash == "" || cmdType == "" {
		return fmt.Errorf("usage: enqueue --deployment <hash> --type <type> [--priority low|normal|high] [--params '{...}'] [--timeout <seconds>]")
	}

	body := map[string]any{
		"deployment_hash": hash,
		"type":            cmdType,
	}
	if priority != "" {
		body["priority"] = priority
	}
	if params != "" {
		if !json.Valid([]byte(params)) {
			return fmt.Errorf("--params must be valid JSON")
		}
		body["parameters"] = json.RawMessage(params)
	}
	if timeout != "" {
		secs, err := parseIntArg(timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		body["timeout_seconds"] = secs
	}

	var resp struct {
		CommandID string    `json:"command_id"`
		Status    string    `json:"status"`
		Priority  string    `json:"priority"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := doJSON(http.MethodPost, baseURL+"/agent/commands/enqueue", token, body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Enqueued command: %s\n", resp.CommandID)
	fmt.Printf("  Type:      %s\n", cmdType)
	fmt.Printf("  Status:    %s\n", resp.Status)
	fmt.Printf("  Priority:  %s\n", resp.Priority)
	return nil
}

func cmdCommands(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: commands <hash> [--limit <n>] [--results]")
	}
	hash := args[0]

	limit := "50"
	includeResults := false
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--limit", "-l":
			if i+1 < len(args) {
				limit = args[i+1]
				i++
			}
		case "--results", "-r":
			includeResults = true
		}
	}

	url := fmt.Sprintf("%s/agent/commands/%s?limit=%s", baseURL, hash, limit)
	if includeResults {
		url += "&include_results=true"
	}

	var resp struct {
		Commands []commandRow `json:"commands"`
	}
	if err := doJSON(http.MethodGet, url, token, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Commands")
	cyan.Println("  --------")
	printCommandTable(resp.Commands)

	if includeResults {
		for _, c := range resp.Commands {
			if len(c.Result) > 0 {
				fmt.Printf("  %s result: %s\n", c.CommandID, string(c.Result))
			}
			if len(c.Error) > 0 {
				color.Red("  %s error: %s\n", c.CommandID, string(c.Error))
			}
		}
		fmt.Println()
	}
	return nil
}

func cmdCancel(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: cancel <hash> <command-id>")
	}
	hash, commandID := args[0], args[1]

	var cmd commandRow
	url := fmt.Sprintf("%s/agent/commands/%s/%s/cancel", baseURL, hash, commandID)
	if err := doJSON(http.MethodPost, url, token, nil, &cmd); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Cancelled command: %s\n", cmd.CommandID)
	fmt.Printf("  Type:    %s\n", cmd.Type)
	fmt.Printf("  Status:  %s\n", cmd.Status)
	return nil
}

func cmdCapabilities(baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: capabilities <hash>")
	}
	hash := args[0]

	var resp struct {
		Status       string   `json:"status"`
		Capabilities []string `json:"capabilities"`
		Commands     []struct {
			CommandType string `json:"command_type"`
			Label       string `json:"label"`
			Scope       string `json:"scope"`
			Requires    string `json:"requires"`
		} `json:"commands"`
	}
	url := fmt.Sprintf("%s/agent/%s/capabilities", baseURL, hash)
	if err := doJSON(http.MethodGet, url, "", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Capabilities")
	cyan.Println("  ------------")
	fmt.Printf("  Status:        %s\n", statusColored(resp.Status))
	fmt.Printf("  Capabilities:  %s\n", strings.Join(resp.Capabilities, ", "))
	fmt.Println()

	if len(resp.Commands) == 0 {
		fmt.Println("  (no commands available)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  COMMAND\tLABEL\tSCOPE\tREQUIRES")
	fmt.Fprintln(w, "  -------\t-----\t-----\t--------")
	for _, c := range resp.Commands {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.CommandType, c.Label, c.Scope, c.Requires)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAudit(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}

	var hash, action, limit string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--deployment", "-d":
			if i+1 < len(args) {
				hash = args[i+1]
				i++
			}
		case "--action", "-a":
			if i+1 < len(args) {
				action = args[i+1]
				i++
			}
		case "--limit", "-l":
			if i+1 < len(args) {
				limit = args[i+1]
				i++
			}
		}
	}

	url := baseURL + "/agent/audit?"
	if hash != "" {
		url += "deployment_hash=" + hash + "&"
	}
	if action != "" {
		url += "action=" + action + "&"
	}
	if limit != "" {
		url += "limit=" + limit + "&"
	}
	url = strings.TrimSuffix(url, "&")
	url = strings.TrimSuffix(url, "?")

	var resp struct {
		Entries []struct {
			DeploymentHash *string   `json:"deployment_hash"`
			Action         string    `json:"action"`
			Status         string    `json:"status"`
			IPAddress      string    `json:"ip_address"`
			CreatedAt      time.Time `json:"created_at"`
		} `json:"entries"`
	}
	if err := doJSON(http.MethodGet, url, token, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Log")
	cyan.Println("  ---------")

	if len(resp.Entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tDEPLOYMENT\tSTATUS\tIP")
	fmt.Fprintln(w, "  ----\t------\t----------\t------\t--")
	for _, e := range resp.Entries {
		deployment := ""
		if e.DeploymentHash != nil {
			deployment = truncate(*e.DeploymentHash, 16)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("Jan 02 15:04:05"), e.Action, deployment, e.Status, e.IPAddress)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// cmdToken mints an operator JWT locally from the shared signing secret.
// Useful for bootstrapping before any token exists.
func cmdToken(args []string) error {
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}
	if subcmd != "create" {
		return fmt.Errorf("usage: token create --caller <id> [--ttl <days>]")
	}

	var callerID string
	var ttlDays int64 = 30
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--caller", "-c":
			if i+1 < len(args) {
				callerID = args[i+1]
				i++
			}
		case "--ttl", "-t":
			if i+1 < len(args) {
				days, err := parseIntArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid ttl: %w", err)
				}
				ttlDays = days
				i++
			}
		}
	}

	if callerID == "" {
		return fmt.Errorf("usage: token create --caller <id> [--ttl <days>]")
	}

	secret := os.Getenv("STACKER_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("STACKER_JWT_SECRET environment variable is required")
	}

	ttl := time.Duration(ttlDays) * 24 * time.Hour
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(callerID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Token created successfully")
	fmt.Println()
	cyan.Println("  Caller:   " + callerID)
	cyan.Println("  Expires:  " + time.Now().Add(ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  Token (keep this secret!):")
	fmt.Println()
	fmt.Println("  " + token)
	fmt.Println()

	return nil
}

func printCommandTable(cmds []commandRow) {
	if len(cmds) == 0 {
		fmt.Println("  (no commands)")
		fmt.Println()
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTYPE\tSTATUS\tPRIORITY\tBY\tCREATED")
	fmt.Fprintln(w, "  --\t----\t------\t--------\t--\t-------")
	for _, c := range cmds {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(c.CommandID, 16), c.Type, c.Status, c.Priority,
			truncate(c.CreatedBy, 16), c.CreatedAt.Format("Jan 02 15:04:05"))
	}
	w.Flush()
	fmt.Println()
}

func statusColored(status string) string {
	switch status {
	case "online":
		return color.GreenString(status)
	case "offline":
		return color.RedString(status)
	default:
		return status
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func parseIntArg(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the operator JWT from STACKER_TOKEN or ~/.config/stacker/token.
func getToken() string {
	if token := os.Getenv("STACKER_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "stacker", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
