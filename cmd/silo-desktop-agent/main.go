package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	wsclient "github.com/EternisAI/silo-desktop/internal/ws/client"
	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

var AppVersion string

const usage = `Usage: silo-desktop-agent <command> [flags]

Commands:
  register   create an agent on the server and save its credentials
  run        connect to the server and answer commands
  version    print the agent version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(os.Args[2:])
	case "run":
		err = runAgent(os.Args[2:])
	case "version":
		fmt.Println(AppVersion)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func runAgent(args []string) error {
	InitConfig()

	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	credsPath := fs.StringP("credentials", "c", config.Channel.Credentials, "Credentials file written by register")
	channelURL := fs.String("url", config.Channel.URL, "Agent channel URL (overrides the credentials file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	creds, err := loadCredentials(*credsPath)
	if err != nil {
		return err
	}

	url := creds.ChannelURL
	if *channelURL != "" {
		url = *channelURL
	}
	if url == "" {
		return fmt.Errorf("no channel URL configured")
	}

	tlsConfig, err := config.Channel.TLS.ClientConfig()
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}

	slog.Info("Silo Desktop Agent", "version", AppVersion, "agent_id", creds.AgentID)

	client := wsclient.NewClient(url, creds.Token, wsclient.NewCommandHandler(AppVersion), tlsConfig)
	if err := client.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		return client.Stop()
	case <-client.Done():
		return client.Err()
	}
}
