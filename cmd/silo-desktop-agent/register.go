package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func (c *apiClient) post(path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s failed (HTTP %d): %s", path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s failed (HTTP %d)", path, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

type registerOptions struct {
	apiURL     string
	channelURL string
	username   string
	password   string
	hostname   string
	machineID  string
	out        string
}

func runRegister(args []string) error {
	hostname, _ := os.Hostname()

	var opts registerOptions
	fs := pflag.NewFlagSet("register", pflag.ExitOnError)
	fs.StringVar(&opts.apiURL, "server", "http://localhost:8080", "Server API URL")
	fs.StringVar(&opts.channelURL, "channel", "", "Agent channel URL (default: derived from --server, port 8081)")
	fs.StringVarP(&opts.username, "username", "u", "", "Account username")
	fs.StringVarP(&opts.password, "password", "p", os.Getenv("SILO_PASSWORD"), "Account password (or SILO_PASSWORD)")
	fs.StringVar(&opts.hostname, "hostname", hostname, "Hostname reported for this agent")
	fs.StringVar(&opts.machineID, "machine-id", "", "Stable machine identifier")
	fs.StringVarP(&opts.out, "out", "o", "agent-credentials.yml", "Where to write the credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.username == "" || opts.password == "" {
		return fmt.Errorf("--username and --password are required")
	}
	if opts.channelURL == "" {
		derived, err := deriveChannelURL(opts.apiURL)
		if err != nil {
			return err
		}
		opts.channelURL = derived
	}

	creds, err := register(&http.Client{Timeout: 30 * time.Second}, opts)
	if err != nil {
		return err
	}

	if err := saveCredentials(opts.out, creds); err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Printf("%s agent %s registered\n", green("✓"), creds.AgentID)
	fmt.Printf("  credentials: %s\n", opts.out)
	fmt.Printf("  channel:     %s\n", creds.ChannelURL)
	color.Yellow("The token is shown only once and is stored in %s. Keep it secret.", opts.out)
	return nil
}

func register(httpClient *http.Client, opts registerOptions) (*Credentials, error) {
	api := &apiClient{baseURL: strings.TrimRight(opts.apiURL, "/"), httpClient: httpClient}

	var login dto.LoginResponse
	if err := api.post("/api/v1/auth/login", dto.LoginRequest{Username: opts.username, Password: opts.password}, &login); err != nil {
		return nil, err
	}
	api.token = login.Token

	var created dto.CreateAgentResponse
	err := api.post("/api/v1/agents", dto.CreateAgentRequest{
		Hostname:       opts.hostname,
		MachineID:      opts.machineID,
		OS:             runtime.GOOS,
		Version:        AppVersion,
		RuntimeVersion: runtime.Version(),
	}, &created)
	if err != nil {
		return nil, err
	}

	return &Credentials{
		APIURL:     api.baseURL,
		ChannelURL: opts.channelURL,
		AgentID:    created.Agent.AgentID,
		Token:      created.Token,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// deriveChannelURL maps http://host:8080 to ws://host:8081/ws.
func deriveChannelURL(apiURL string) (string, error) {
	scheme, rest, ok := strings.Cut(apiURL, "://")
	if !ok {
		return "", fmt.Errorf("invalid server URL %q", apiURL)
	}

	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}

	host := rest
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return fmt.Sprintf("%s://%s:8081/ws", wsScheme, host), nil
}
