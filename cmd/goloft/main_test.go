package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atticlabs/go-loft/internal/config"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: goloft daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "foreground") {
		t.Fatalf("usage output missing daemon description: %q", out)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)

	if err := writeDefaultConfig(home); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis still true after writeDefaultConfig")
	}
	if cfg.BindAddr != "127.0.0.1:18930" {
		t.Fatalf("bind_addr = %q, want 127.0.0.1:18930", cfg.BindAddr)
	}
	if cfg.Maintenance.FullRescanCron != "0 3 * * *" {
		t.Fatalf("full_rescan_cron = %q, want default", cfg.Maintenance.FullRescanCron)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nGOLOFT_TEST_DOTENV_A=from-file\nGOLOFT_TEST_DOTENV_B=ignored\n\nnot-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GOLOFT_TEST_DOTENV_A", "")
	t.Setenv("GOLOFT_TEST_DOTENV_B", "preset")

	loadDotEnv(path)

	if got := os.Getenv("GOLOFT_TEST_DOTENV_A"); got != "from-file" {
		t.Fatalf("A = %q, want from-file", got)
	}
	if got := os.Getenv("GOLOFT_TEST_DOTENV_B"); got != "preset" {
		t.Fatalf("B = %q, want preset (existing env wins)", got)
	}
}
