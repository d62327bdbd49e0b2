// ABOUTME: Interactive config file generation for comcenter init
// ABOUTME: Prompts for listeners, store, token secret, tailscale and logging, then writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/comcenter/internal/config"
)

// initAnswers collects everything runInit asks for.
type initAnswers struct {
	TCPAddr  string
	HTTPAddr string
	GRPCAddr string

	DBPath string

	Secret    string
	ExpiresIn string

	LoopbackNetwork string

	TailscaleEnabled   bool
	TailscaleHostname  string
	TailscaleAuthKey   string
	TailscaleEphemeral bool

	LogLevel  string
	LogFormat string
}

// getDataPath returns the comcenter data directory.
// Priority: XDG_DATA_HOME/comcenter > ~/.local/share/comcenter
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "comcenter")
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "comcenter configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Listeners (\"none\" to skip) ---")
	a.TCPAddr = prompt(reader, out, "JSON-RPC over TCP address", "localhost:7000")
	a.HTTPAddr = prompt(reader, out, "JSON-RPC over HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC address", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database ---")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "comcenter.db"))

	fmt.Fprintln(out, "\n--- Session tokens ---")
	a.Secret = prompt(reader, out, "Signing secret", secret)
	a.ExpiresIn = prompt(reader, out, "Token lifetime", "24h")

	fmt.Fprintln(out, "\n--- Networks ---")
	a.LoopbackNetwork = prompt(reader, out, "Loopback network name (\"none\" to skip)", "Echo")
	if a.LoopbackNetwork == "none" {
		a.LoopbackNetwork = ""
	}

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.TailscaleEnabled = isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TailscaleHostname = prompt(reader, out, "Tailscale hostname", "comcenter")
		a.TailscaleAuthKey = prompt(reader, out, "Tailscale auth key (leave empty for interactive)", "")
		a.TailscaleEphemeral = isYes(prompt(reader, out, "Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  comcenter user add --username <name> --password <password>")
	fmt.Fprintln(out, "  comcenter serve")

	return nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# comcenter configuration\n")
	cfg.WriteString("# Generated by comcenter init\n\n")

	cfg.WriteString("servers:\n")
	for _, s := range []struct{ typ, addr string }{
		{"tcp", a.TCPAddr},
		{"http", a.HTTPAddr},
		{"grpc", a.GRPCAddr},
	} {
		if s.addr == "" || s.addr == "none" {
			continue
		}
		fmt.Fprintf(&cfg, "  - type: %s\n", s.typ)
		fmt.Fprintf(&cfg, "    addr: %q\n", s.addr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: sqlite\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString("  token:\n")
	fmt.Fprintf(&cfg, "    secret: %q\n", a.Secret)
	cfg.WriteString("    algorithm: HS256\n")
	fmt.Fprintf(&cfg, "    expires_in: %q\n", a.ExpiresIn)
	cfg.WriteString("\n")

	if a.LoopbackNetwork != "" {
		cfg.WriteString("networks:\n")
		fmt.Fprintf(&cfg, "  - name: %q\n", a.LoopbackNetwork)
		cfg.WriteString("    type: loopback\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TailscaleHostname)
		if a.TailscaleAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TailscaleAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TailscaleEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
