package config

import (
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_API_KEY", "test-admin-key-32-characters-ok!")
	t.Setenv("DB_PASSWORD", "test")
}

func TestServerConfig_Timeouts_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	tests := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"ReadTimeout", cfg.Server.ReadTimeout, 15 * time.Second},
		{"WriteTimeout", cfg.Server.WriteTimeout, 15 * time.Second},
		{"IdleTimeout", cfg.Server.IdleTimeout, 60 * time.Second},
		{"SweepInterval", cfg.Background.SweepInterval, time.Minute},
	}

	for _, tt := range tests {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}
}

func TestServerConfig_Timeouts_InvalidDurationFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_READ_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout: got %v, want default 15s", cfg.Server.ReadTimeout)
	}
}

func TestLoad_ProtectionDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Lockout.MaxAttempts != 5 || cfg.Lockout.AttemptWindow != 15*time.Minute {
		t.Errorf("lockout defaults: got %d/%v", cfg.Lockout.MaxAttempts, cfg.Lockout.AttemptWindow)
	}
	if len(cfg.Lockout.Durations) != 5 || cfg.Lockout.Durations[4] != 24*time.Hour {
		t.Errorf("lockout durations: got %v", cfg.Lockout.Durations)
	}
	if !cfg.Lockout.TrackByIP {
		t.Error("TrackByIP should default to true")
	}
	if cfg.Session.DeviceBinding != models.DeviceBindingLog {
		t.Errorf("device binding: got %q, want log", cfg.Session.DeviceBinding)
	}
	if cfg.Session.MaxConcurrent != 5 || cfg.Session.IdleTimeout != 30*time.Minute || cfg.Session.AbsoluteTimeout != 24*time.Hour {
		t.Errorf("session defaults: got %+v", cfg.Session)
	}

	rules := cfg.RateLimit.Rules()
	if len(rules) != 3 {
		t.Fatalf("rules: got %d, want 3", len(rules))
	}
	if cfg.RateLimit.Export.CostPerRequest != 5 || cfg.RateLimit.Export.PenaltyMultiplier != 3 {
		t.Errorf("export rule: got %+v", cfg.RateLimit.Export)
	}
	if got := cfg.Audit.Service().Retention; got != 90*24*time.Hour {
		t.Errorf("audit retention: got %v", got)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("redis should be disabled by default, got %q", cfg.Redis.URL)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequired(t)
	t.Setenv("LOCKOUT_DURATIONS", "1m, 10m")
	t.Setenv("LOCKOUT_TRACK_BY_IP", "false")
	t.Setenv("SESSION_DEVICE_BINDING", "Terminate")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 172.16.0.0/12")
	t.Setenv("SECURITY_ALERT_RECIPIENTS", "a@example.com,,b@example.com")
	t.Setenv("RATE_LOGIN_PENALTY_MULTIPLIER", "1.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	svc := cfg.Lockout.Service()
	if len(svc.LockoutDurations) != 2 || svc.LockoutDurations[1] != 10*time.Minute {
		t.Errorf("lockout durations: got %v", svc.LockoutDurations)
	}
	if svc.TrackByIP {
		t.Error("TrackByIP: got true, want false")
	}
	if cfg.Session.Service().DeviceBinding != models.DeviceBindingTerminate {
		t.Errorf("device binding: got %q", cfg.Session.DeviceBinding)
	}
	if len(cfg.Server.TrustedProxies) != 2 || cfg.Server.TrustedProxies[1] != "172.16.0.0/12" {
		t.Errorf("trusted proxies: got %v", cfg.Server.TrustedProxies)
	}
	if len(cfg.Email.Recipients) != 2 {
		t.Errorf("recipients: got %v", cfg.Email.Recipients)
	}
	if cfg.RateLimit.Login.PenaltyMultiplier != 1.5 {
		t.Errorf("login penalty multiplier: got %v", cfg.RateLimit.Login.PenaltyMultiplier)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing admin key",
			env:     map[string]string{"ADMIN_API_KEY": "", "DB_PASSWORD": "test"},
			wantErr: "ADMIN_API_KEY is required",
		},
		{
			name:    "missing db password",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": ""},
			wantErr: "DB_PASSWORD is required",
		},
		{
			name:    "short admin key in production",
			env:     map[string]string{"ADMIN_API_KEY": "only-twenty-chars!!!", "DB_PASSWORD": "test", "ENV": "production"},
			wantErr: "at least 32 characters",
		},
		{
			name:    "weak admin key",
			env:     map[string]string{"ADMIN_API_KEY": "changemechangeme", "DB_PASSWORD": "test"},
			wantErr: "common weak value",
		},
		{
			name:    "bad device binding",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": "test", "SESSION_DEVICE_BINDING": "strict"},
			wantErr: "SESSION_DEVICE_BINDING",
		},
		{
			name:    "bad lockout durations",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": "test", "LOCKOUT_DURATIONS": "5m,soon"},
			wantErr: "LOCKOUT_DURATIONS",
		},
		{
			name:    "invalid rule",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": "test", "RATE_API_MAX": "0"},
			wantErr: "invalid rate limit rule",
		},
		{
			name:    "bad trusted proxy",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": "test", "TRUSTED_PROXIES": "10.0.0.0/8,proxy.local"},
			wantErr: "TRUSTED_PROXIES",
		},
		{
			name:    "email without sender",
			env:     map[string]string{"ADMIN_API_KEY": "test-admin-key-32-characters-ok!", "DB_PASSWORD": "test", "EMAIL_ENABLED": "true"},
			wantErr: "EMAIL_FROM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
