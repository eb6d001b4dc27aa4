package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("POLL_CYCLE_DEADLINE", "20s")
	t.Setenv("ENABLED_CHAINS", "ethereum, arbitrum")
	t.Setenv("ARBITRUM_RPC_URLS", "https://a.example, https://b.example")
	t.Setenv("PRICE_MOVE_PERCENT", "7.5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Monitor.PollInterval != 30*time.Second {
		t.Errorf("Monitor.PollInterval = %v, want %v", cfg.Monitor.PollInterval, 30*time.Second)
	}
	if cfg.Monitor.PriceMovePercent != 7.5 {
		t.Errorf("Monitor.PriceMovePercent = %v, want 7.5", cfg.Monitor.PriceMovePercent)
	}
	if len(cfg.Chains.Enabled) != 2 {
		t.Fatalf("Chains.Enabled = %v, want 2 chains", cfg.Chains.Enabled)
	}
	urls := cfg.Chains.Chains["arbitrum"].RPCURLs
	if len(urls) != 2 || urls[1] != "https://b.example" {
		t.Errorf("arbitrum RPCURLs = %v", urls)
	}
	if _, ok := cfg.Chains.Chains["arbitrum"].Dexes["uniswap_v3"]; !ok {
		t.Errorf("arbitrum uniswap_v3 contracts missing: %v", cfg.Chains.Chains["arbitrum"].Dexes)
	}
	if _, ok := cfg.Chains.Chains["arbitrum"].Dexes["sushiswap_v3"]; ok {
		t.Error("arbitrum sushiswap_v3 has no known deployment and no override")
	}
	if cfg.Database.Backend != BackendMemory {
		t.Errorf("Database.Backend = %v, want %v", cfg.Database.Backend, BackendMemory)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "sqlite"}},
		{"deadline beyond interval", map[string]string{"POLL_INTERVAL": "10s", "POLL_CYCLE_DEADLINE": "20s"}},
		{"zero workers", map[string]string{"POLL_WORKERS": "0"}},
		{"bad summary hour", map[string]string{"DAILY_SUMMARY_HOUR_UTC": "24"}},
		{"cu budget without redis", map[string]string{"ETHEREUM_RPC_CU_BUDGET": "500"}},
		{"zero reserve", map[string]string{"REDIS_ENABLED": "true", "ETHEREUM_RPC_CU_BUDGET": "100", "ETHEREUM_RPC_CU_RESERVED": "0"}},
		{"reserved above budget", map[string]string{"REDIS_ENABLED": "true", "ETHEREUM_RPC_CU_BUDGET": "100", "ETHEREUM_RPC_CU_RESERVED": "200"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("LoadConfig() expected error, got nil")
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "UNSET_KEY",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("T_INT", "12")
	t.Setenv("T_BAD_INT", "x")
	t.Setenv("T_DUR", "3m")
	t.Setenv("T_BOOL", "true")
	t.Setenv("T_LIST", "a,, b ,c")

	if got := getEnvAsInt("T_INT", 1); got != 12 {
		t.Errorf("getEnvAsInt() = %v, want 12", got)
	}
	if got := getEnvAsInt("T_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvAsInt() with invalid value = %v, want default 1", got)
	}
	if got := getEnvAsDuration("T_DUR", time.Second); got != 3*time.Minute {
		t.Errorf("getEnvAsDuration() = %v, want 3m", got)
	}
	if !getEnvAsBool("T_BOOL", false) {
		t.Error("getEnvAsBool() = false, want true")
	}
	if got := getEnvAsList("T_LIST", nil); len(got) != 3 || got[1] != "b" {
		t.Errorf("getEnvAsList() = %v", got)
	}
}

func TestLoadConfig_ComputeBudget(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("ETHEREUM_RPC_CU_BUDGET", "400")
	t.Setenv("RPC_CU_COSTS", "eth_call=30")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	eth := cfg.Chains.Chains["ethereum"]
	if eth.ComputeBudget != 400 {
		t.Errorf("ComputeBudget = %v, want 400", eth.ComputeBudget)
	}
	if eth.ReservedBudget != 100 {
		t.Errorf("ReservedBudget = %v, want a quarter of the budget", eth.ReservedBudget)
	}
	if cfg.Chains.CUCosts != "eth_call=30" {
		t.Errorf("CUCosts = %q", cfg.Chains.CUCosts)
	}
	if cfg.Chains.BudgetMaxWait != 5*time.Second {
		t.Errorf("BudgetMaxWait = %v, want 5s", cfg.Chains.BudgetMaxWait)
	}
}
