package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/pkg/cli"
)

func runWizard(t *testing.T, input string) config.Config {
	t.Helper()
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "fleetd.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg
}

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9443",            // listen address
		"myadmin",          // admin username
		"secretpass",       // admin password
		"1",                // storage: sqlite (first option)
		"./data/fleetd.db", // sqlite path
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Server.Addr != ":9443" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9443")
	}
	if len(cfg.Auth.TokenSecret) < 32 {
		t.Errorf("auth.token_secret length = %d, want >= 32", len(cfg.Auth.TokenSecret))
	}
	if len(cfg.Auth.MasterSecret) < 32 {
		t.Errorf("auth.master_secret length = %d, want >= 32", len(cfg.Auth.MasterSecret))
	}
	if cfg.Auth.TokenSecret == cfg.Auth.MasterSecret {
		t.Error("token and master secrets are identical")
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q", cfg.Auth.InitialAdmin.Username)
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q", cfg.Auth.InitialAdmin.Password)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "./data/fleetd.db" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
}

func TestWizard_Postgres(t *testing.T) {
	input := strings.Join([]string{
		":8443",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://fleet:pass@db:5432/fleetd", // DSN
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://fleet:pass@db:5432/fleetd" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
}

func TestWizardRefusesOverwriteWithoutConfirm(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "fleetd.json")
	if err := os.WriteFile(outputPath, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	input := strings.Join([]string{
		":8443", "admin", "pw", "1", "fleetd.db",
		"n", // decline overwrite
	}, "\n") + "\n"
	p := &cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}}

	if err := New(p).Run(outputPath); err == nil {
		t.Fatal("expected error when declining overwrite")
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}" {
		t.Error("declined overwrite still modified the file")
	}
}

func TestRunDefaultsRequiresPostgresDSN(t *testing.T) {
	t.Setenv("FLEETD_DB_DRIVER", "postgres")
	t.Setenv("FLEETD_DB_DSN", "")

	p := &cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	err := New(p).RunDefaults(filepath.Join(t.TempDir(), "fleetd.json"))
	if err == nil {
		t.Fatal("expected error without FLEETD_DB_DSN")
	}
}

func TestRunDefaultsGeneratesUsableConfig(t *testing.T) {
	t.Setenv("FLEETD_DB_DRIVER", "")
	t.Setenv("FLEETD_DB_DSN", "")
	t.Setenv("FLEETD_ADMIN_PASSWORD", "")
	t.Setenv("SESSION_TOKEN_SECRET", "")
	t.Setenv("FLEET_MASTER_SECRET", "")

	outputPath := filepath.Join(t.TempDir(), "fleetd.json")
	p := &cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	// The generated file must pass full config validation.
	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Password == "" {
		t.Error("no admin credentials generated")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite default", cfg.Storage.Driver)
	}
}
