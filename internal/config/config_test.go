package config

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRequiresTokenUnlessLocal(t *testing.T) {
	path := writeConfigFile(t, `{}`)
	if _, err := Load([]string{"--config", path}); err == nil {
		t.Fatal("expected an error when token is missing and --local is not set")
	}
	if _, err := Load([]string{"--config", path, "--local"}); err != nil {
		t.Fatalf("expected --local to skip the token requirement, got %v", err)
	}
}

func TestLoadFlagBeatsFileBeatsEnv(t *testing.T) {
	path := writeConfigFile(t, `{"token": "file-token"}`)
	t.Setenv("TOKEN", "env-token")

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "file-token" {
		t.Fatalf("expected file token to beat env token, got %q", cfg.Token)
	}

	cfg, err = Load([]string{"--config", path, "--token", "flag-token"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "flag-token" {
		t.Fatalf("expected flag token to win, got %q", cfg.Token)
	}
}

func TestLoadDefaultsMaxChannels(t *testing.T) {
	path := writeConfigFile(t, `{"local": true}`)
	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.MaxChannels != defaultMaxChannels {
		t.Fatalf("expected default max channels %d, got %d", defaultMaxChannels, cfg.Proxy.MaxChannels)
	}
}

func TestEnvironmentSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Environment
	}{
		{"staging wins", Config{Staging: true, Local: true}, EnvStaging},
		{"local", Config{Local: true}, EnvLocal},
		{"production default", Config{}, EnvProduction},
	}
	for _, tt := range tests {
		if got := tt.cfg.Environment(); got != tt.want {
			t.Errorf("%s: Environment() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTelemetryBaseURL(t *testing.T) {
	if got := (&Config{Staging: true}).TelemetryBaseURL(); got != stagingURL {
		t.Errorf("staging: got %q", got)
	}
	if got := (&Config{Local: true}).TelemetryBaseURL(); got != localMonitorURL {
		t.Errorf("local: got %q", got)
	}
	if got := (&Config{}).TelemetryBaseURL(); got != productionURL {
		t.Errorf("production: got %q", got)
	}
}

func TestParseHashrate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"10T", 10e12, false},
		{"2.5P", 2.5e15, false},
		{"5E", 5e18, false},
		{"5X", 0, true},
		{"", 0, true},
		{"abcT", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHashrate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseHashrate(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHashrate(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHashrate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParsePoolStaticKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.ParsePoolStaticKey()
	if err != nil || key != nil {
		t.Fatalf("expected nil key with no error for empty config, got key=%v err=%v", key, err)
	}

	cfg.PoolStaticKey = "00" // 1 byte, not 32
	if _, err := cfg.ParsePoolStaticKey(); err == nil {
		t.Fatal("expected an error for a short key")
	}

	valid := make([]byte, 32)
	for i := range valid {
		valid[i] = byte(i)
	}
	cfg.PoolStaticKey = hex.EncodeToString(valid)
	key, err = cfg.ParsePoolStaticKey()
	if err != nil {
		t.Fatal(err)
	}
	if key == nil || key[0] != 0 || key[31] != 31 {
		t.Fatalf("unexpected decoded key: %v", key)
	}
}

func TestResolveUpstreamAddrPrefersTPAddressOverride(t *testing.T) {
	cfg := &Config{TPAddress: "10.0.0.1:3333"}
	addr, err := cfg.ResolveUpstreamAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "10.0.0.1:3333" {
		t.Fatalf("expected override address, got %q", addr)
	}
}

func TestResolveUpstreamAddrLocal(t *testing.T) {
	cfg := &Config{Local: true}
	addr, err := cfg.ResolveUpstreamAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr != localUpstreamAddr {
		t.Fatalf("expected %q, got %q", localUpstreamAddr, addr)
	}
}

func TestFetchPoolAddrParsesFirstAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]poolAddress{{Host: "pool.example.com", Port: 3334}})
	}))
	defer srv.Close()

	addr, err := fetchPoolAddr(srv.URL, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "pool.example.com:3334" {
		t.Fatalf("expected resolved pool address, got %q", addr)
	}
}

func TestFetchPoolAddrRejectsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]poolAddress{})
	}))
	defer srv.Close()

	if _, err := fetchPoolAddr(srv.URL, "tok"); err == nil {
		t.Fatal("expected an error for an empty address list")
	}
}
