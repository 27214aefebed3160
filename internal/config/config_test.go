package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/aerobus/internal/driver"
)

func TestLoadFromAppliesToContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
driver:
  dir: /tmp/aerobus-test
  term_length: 128k
  mtu: 8192
  strict_uri_params: true
  client_liveness_timeout: 3s
  publication_linger: 250ms
  termination_token: secret
admin:
  listen: 127.0.0.1:9101
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Listen != "127.0.0.1:9101" {
		t.Fatalf("admin listen %q", cfg.Admin.Listen)
	}

	ctx := driver.NewContext()
	if err := cfg.Apply(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ctx.DriverDir != "/tmp/aerobus-test" {
		t.Fatalf("dir %q", ctx.DriverDir)
	}
	if ctx.TermLength != 128*1024 {
		t.Fatalf("term length %d", ctx.TermLength)
	}
	if ctx.MTULength != 8192 {
		t.Fatalf("mtu %d", ctx.MTULength)
	}
	if !ctx.StrictURIParams {
		t.Fatalf("strict uri params not applied")
	}
	if ctx.ClientLivenessTimeoutNs != (3 * time.Second).Nanoseconds() {
		t.Fatalf("liveness %d", ctx.ClientLivenessTimeoutNs)
	}
	if ctx.PublicationLingerNs != (250 * time.Millisecond).Nanoseconds() {
		t.Fatalf("linger %d", ctx.PublicationLingerNs)
	}
	if ctx.TerminationToken != "secret" {
		t.Fatalf("token %q", ctx.TerminationToken)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("driver:\n  dir: /from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AEROBUS_DIR", "/from-env")
	t.Setenv("AEROBUS_MTU", "4096")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Driver.Dir != "/from-env" {
		t.Fatalf("dir %q, want env override", cfg.Driver.Dir)
	}
	if cfg.Driver.MTU != 4096 {
		t.Fatalf("mtu %d", cfg.Driver.MTU)
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"1024": 1024,
		"64k":  64 * 1024,
		"16m":  16 * 1024 * 1024,
		"1g":   1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: %d, want %d", in, got, want)
		}
	}
	if _, err := ParseSize("abc"); err == nil {
		t.Fatalf("garbage size accepted")
	}
}
