package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials is what register persists and run reads back.
type Credentials struct {
	APIURL     string    `yaml:"api_url"`
	ChannelURL string    `yaml:"channel_url"`
	AgentID    string    `yaml:"agent_id"`
	Token      string    `yaml:"token"`
	CreatedAt  time.Time `yaml:"created_at"`
}

func loadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("credentials file %s has no token", path)
	}
	return &creds, nil
}

// saveCredentials writes the file owner-readable only; it holds a bearer token.
func saveCredentials(path string, creds *Credentials) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create credentials directory: %w", err)
		}
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	header := "# Agent registered on " + creds.CreatedAt.Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}
