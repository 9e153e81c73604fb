package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type validatedConfig struct {
	Port int `yaml:"port"`
}

func (c *validatedConfig) Validate() error {
	if c.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "name: raido\nport: 9000\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "raido" || cfg.Port != 9000 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := writeFile(t, "port: 9000\n")
	cfg := testConfig{Name: "default-name", Port: 8080}
	if err := Load(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "default-name" {
		t.Errorf("default clobbered: %q", cfg.Name)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RAIDO_TEST_NAME", "from-env")
	path := writeFile(t, "name: ${RAIDO_TEST_NAME}\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("name = %q", cfg.Name)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	path := writeFile(t, "port: -1\n")
	var cfg validatedConfig
	if err := Load(path, &cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	if err := Load(filepath.Join(t.TempDir(), "absent.yaml"), &cfg); err == nil {
		t.Error("Load must fail on a missing file")
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg := validatedConfig{Port: 8080}
	if err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &cfg); err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("defaults lost: %+v", cfg)
	}

	// Defaults are still validated.
	bad := validatedConfig{}
	if err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &bad); err == nil {
		t.Error("invalid defaults should fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeFile(t, "name: [unclosed\n")
	var cfg testConfig
	if err := Load(path, &cfg); err == nil {
		t.Error("expected parse error")
	}
}
