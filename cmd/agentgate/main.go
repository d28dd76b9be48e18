// ABOUTME: Entry point for the agentgate identity and trust server
// ABOUTME: Dispatches the serve, health, keygen and sign subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
                          _              _
   __ _  __ _  ___ _ __ | |_ __ _  __ _| |_ ___
  / _' |/ _' |/ _ \ '_ \| __/ _' |/ _' | __/ _ \
 | (_| | (_| |  __/ | | | || (_| | (_| | ||  __/
  \__,_|\__, |\___|_| |_|\__\__, |\__,_|\__\___|
        |___/               |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: agentgate <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the gateway server")
	fmt.Fprintln(w, "  health    Check gateway health")
	fmt.Fprintln(w, "  keygen    Generate an Ed25519 agent key pair")
	fmt.Fprintln(w, "  sign      Sign a challenge or build a signed re-auth request")
	fmt.Fprintln(w, "  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "sign":
		err = runSign(args, os.Stdout)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlag registers --config on fs, defaulting to config.DefaultPath.
func configFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", config.DefaultPath(), "path to the config file (.yaml or .toml)")
}

func runServe(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "override server.http_addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.Server.HTTPAddr = *addr
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Protocol:  %s\n", cfg.Protocol)
	green.Print("    ▶ ")
	fmt.Printf("Scopes:    %d offered, defaults %v\n", len(cfg.Scopes.Catalog), cfg.Scopes.Defaults)
	if !cfg.Detection.Enabled {
		yellow.Println("    ! detection annotations disabled")
	}
	if cfg.Server.TrustProxyHeaders {
		yellow.Println("    ! trusting X-Forwarded-For for client addresses")
	}
	fmt.Println()

	logger.Info("starting agentgate",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "gateway address (default: server.http_addr from config)")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *addr
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		target = cfg.Server.HTTPAddr
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, color.GreenString("healthy"))
	return nil
}
