package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
backend: sim
devices: 4
progress: 500ms
log_format: json
server_address: 0.0.0.0:9090
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != "sim" {
		t.Fatalf("backend: got %q", cfg.Backend)
	}
	if cfg.Devices == nil || *cfg.Devices != 4 {
		t.Fatalf("devices: got %v", cfg.Devices)
	}
	if cfg.Workers != nil {
		t.Fatalf("workers should be unset, got %d", *cfg.Workers)
	}
	if cfg.Progress == nil || *cfg.Progress != 500*time.Millisecond {
		t.Fatalf("progress: got %v", cfg.Progress)
	}
	if cfg.ServerAddress != "0.0.0.0:9090" {
		t.Fatalf("server address: got %q", cfg.ServerAddress)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != "" || cfg.Devices != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown backend", body: "backend: opencl\n", want: "Backend"},
		{name: "zero devices", body: "devices: 0\n", want: "Devices"},
		{name: "bad log format", body: "log_format: xml\n", want: "LogFormat"},
		{name: "bad address", body: "server_address: nowhere\n", want: "ServerAddress"},
		{name: "malformed yaml", body: "backend: [sim\n", want: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv(envConfig, "/tmp/ktune-test.yaml")
	if got := configPath(); got != "/tmp/ktune-test.yaml" {
		t.Fatalf("configPath: got %q", got)
	}
}

func TestApplyTuneConfigKeepsExplicitFlags(t *testing.T) {
	four, two := int64(4), int64(2)
	cfg := Config{Backend: "sim", Devices: &four, Workers: &two, ArchiveDir: "/srv/ktune"}

	var (
		gotBackend string
		gotDevices int64
		gotWorkers int64
		gotArchive string
	)
	cmd := &cli.Command{
		Name:  "tune",
		Flags: append(backendFlags(), archiveFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyTuneConfig(c, cfg)
			gotBackend, gotDevices, gotWorkers, gotArchive = backendName, devices, workers, archiveDir
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"tune", "--backend", "cpu", "--workers", "8"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotBackend != "cpu" {
		t.Fatalf("backend: explicit flag lost, got %q", gotBackend)
	}
	if gotWorkers != 8 {
		t.Fatalf("workers: explicit flag lost, got %d", gotWorkers)
	}
	if gotDevices != 4 {
		t.Fatalf("devices: config default not applied, got %d", gotDevices)
	}
	if gotArchive != "/srv/ktune" {
		t.Fatalf("archive: config default not applied, got %q", gotArchive)
	}
}
