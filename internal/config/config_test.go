package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFlattenConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config-test.yaml")
	body := []byte(`
solana:
  rpc-url: http://localhost:8899
crank:
  betting_window: 30s
  fee bps: 250
api_server:
  allowed_origins:
    - http://a.test
    - http://b.test
redis:
  addr:
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	want := map[string]string{
		"SOLANA_RPC_URL":             "http://localhost:8899",
		"CRANK_BETTING_WINDOW":       "30s",
		"CRANK_FEE_BPS":              "250",
		"API_SERVER_ALLOWED_ORIGINS": "http://a.test,http://b.test",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("%s = %q, want %q", key, got[key], value)
		}
	}
	if _, ok := got["REDIS_ADDR"]; ok {
		t.Error("null values should be dropped")
	}
}

func TestNormalizeKeySegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rpc-url", "RPC_URL"},
		{"  fee bps ", "FEE_BPS"},
		{"--x--", "X"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeKeySegment(tt.in); got != tt.want {
			t.Errorf("normalizeKeySegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadCrankConfigDefaults(t *testing.T) {
	t.Setenv("CRANK_KEYPAIR_PATH", "/tmp/authority.json")
	cfg, err := LoadCrankConfig()
	if err != nil {
		t.Fatalf("LoadCrankConfig: %v", err)
	}
	if cfg.BettingWindow != 115*time.Second || cfg.LockDuration != 5*time.Second ||
		cfg.CommitWait != 2*time.Second || cfg.ErrorBackoff != 5*time.Second {
		t.Errorf("timings = %v/%v/%v/%v", cfg.BettingWindow, cfg.LockDuration, cfg.CommitWait, cfg.ErrorBackoff)
	}
	if cfg.FeeBps != 100 {
		t.Errorf("fee bps = %d, want 100", cfg.FeeBps)
	}
	if cfg.ComputeUnitLimit != 200_000 || cfg.ComputeUnitPriceMicroLamports != 50_000 {
		t.Errorf("compute budget = %d/%d", cfg.ComputeUnitLimit, cfg.ComputeUnitPriceMicroLamports)
	}
	if cfg.Solana.KeypairPath != "/tmp/authority.json" {
		t.Errorf("keypair path = %q", cfg.Solana.KeypairPath)
	}
	if !cfg.Solana.ProgramID.Equals(defaultProgramID) {
		t.Errorf("program id = %s", cfg.Solana.ProgramID)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled without REDIS_ADDR")
	}
}

func TestLoadCrankConfigOverrides(t *testing.T) {
	t.Setenv("CRANK_KEYPAIR_PATH", "/tmp/authority.json")
	t.Setenv("CRANK_BETTING_WINDOW", "10s")
	t.Setenv("CRANK_FEE_BPS", "0")
	t.Setenv("EPHEMERAL_RPC_URL", "http://er.test")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := LoadCrankConfig()
	if err != nil {
		t.Fatalf("LoadCrankConfig: %v", err)
	}
	if cfg.BettingWindow != 10*time.Second || cfg.FeeBps != 0 {
		t.Errorf("window = %v, fee = %d", cfg.BettingWindow, cfg.FeeBps)
	}
	if cfg.Solana.EphemeralRPCURL != "http://er.test" {
		t.Errorf("ephemeral url = %q", cfg.Solana.EphemeralRPCURL)
	}
	if !cfg.Redis.Enabled() {
		t.Error("redis should be enabled")
	}
}

func TestLoadCrankConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CRANK_FEE_BPS", "10001"},
		{"CRANK_LOCK_DURATION", "-1s"},
		{"SOLANA_COMMITMENT", "eventually"},
		{"TIKSHOT_PROGRAM_ID", "not-a-key"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("CRANK_KEYPAIR_PATH", "/tmp/authority.json")
			t.Setenv(tt.key, tt.value)
			if _, err := LoadCrankConfig(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestEnvUintRejectsOverflow(t *testing.T) {
	t.Setenv("TEST_U8", "256")
	if _, err := envUint("TEST_U8", uint8(1)); err == nil {
		t.Fatal("expected overflow error for uint8")
	}
	t.Setenv("TEST_U8", "255")
	got, err := envUint("TEST_U8", uint8(1))
	if err != nil || got != 255 {
		t.Fatalf("envUint = %d, %v", got, err)
	}
	if got, err := envUint("TEST_UNSET_U16", uint16(7)); err != nil || got != 7 {
		t.Fatalf("fallback = %d, %v", got, err)
	}
}

func TestEnvOptionalUint(t *testing.T) {
	got, err := envOptionalUint("TEST_UNSET_RETRIES")
	if err != nil || got != nil {
		t.Fatalf("unset = %v, %v", got, err)
	}
	t.Setenv("TEST_RETRIES", "0")
	got, err = envOptionalUint("TEST_RETRIES")
	if err != nil || got == nil || *got != 0 {
		t.Fatalf("explicit zero = %v, %v", got, err)
	}
}

func TestEnvListAndFirst(t *testing.T) {
	t.Setenv("TEST_ORIGINS", " http://a.test, ,http://b.test ")
	got := envList("TEST_ORIGINS", "*")
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Fatalf("envList = %q", got)
	}
	t.Setenv("TEST_ORIGINS", " , ")
	if got := envList("TEST_ORIGINS", "*"); len(got) != 1 || got[0] != "*" {
		t.Fatalf("blank list should fall back, got %q", got)
	}

	t.Setenv("TEST_SECOND", "two")
	if got := envFirst("none", "TEST_FIRST_UNSET", "TEST_SECOND"); got != "two" {
		t.Fatalf("envFirst = %q", got)
	}
}

func TestResolveKeypairPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := resolveKeypairPath("~/keys/crank.json")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "keys", "crank.json"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got, _ := resolveKeypairPath("/etc/authority.json"); got != "/etc/authority.json" {
		t.Fatalf("absolute path rewritten to %q", got)
	}
}
