package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the environment variables without which Load fails validation.
func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.TicketTTL != 10*time.Second {
		t.Errorf("TicketTTL = %s, want 10s", cfg.TicketTTL)
	}
	if cfg.TicketMaxPerRemote != 3 {
		t.Errorf("TicketMaxPerRemote = %d, want 3", cfg.TicketMaxPerRemote)
	}
	if cfg.ReservationMinLead != 3*time.Hour {
		t.Errorf("ReservationMinLead = %s, want 3h", cfg.ReservationMinLead)
	}
	if cfg.ReservationWindow != time.Hour {
		t.Errorf("ReservationWindow = %s, want 1h", cfg.ReservationWindow)
	}
	if cfg.SourcerPeriod != time.Minute {
		t.Errorf("SourcerPeriod = %s, want 1m", cfg.SourcerPeriod)
	}
	if cfg.JWTIssuer != cfg.ServerURL {
		t.Errorf("JWTIssuer = %q, want ServerURL fallback %q", cfg.JWTIssuer, cfg.ServerURL)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true for default mode")
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded without JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error = %v, want mention of JWT_SECRET", err)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	setRequired(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "SERVER_PORT", "not-a-number"},
		{"bad duration", "TICKET_TTL", "ten seconds"},
		{"zero ticket cap", "TICKET_MAX_PER_REMOTE", "0"},
		{"lead shorter than window", "RESERVATION_MIN_LEAD", "30m"},
		{"battery out of range", "LOW_BATTERY_THRESHOLD", "150"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() succeeded with %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadDevelopmentMode(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_MODE", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
}
