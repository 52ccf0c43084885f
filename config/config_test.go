package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/studio"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STUDIO_JWT_SECRET", "secret")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "log", cfg.MailConfig.Driver)
	assert.Equal(t, 5*time.Minute, cfg.SweepConfig.Waitlist)
	assert.Equal(t, 15*time.Minute, cfg.SweepConfig.Reminders)

	rules, err := cfg.Rules()
	require.NoError(t, err)

	// The defaults are the studio's documented rules.
	want := studio.DefaultRules()
	assert.Equal(t, want.TotalCapacity, rules.TotalCapacity)
	assert.Equal(t, want.BaseCap, rules.BaseCap)
	assert.Equal(t, want.NearSlotThreshold, rules.NearSlotThreshold)
	assert.Equal(t, want.Hours, rules.Hours)
	assert.Equal(t, want.AdvanceBookingDays, rules.AdvanceBookingDays)
	assert.Equal(t, want.MedicalGrace, rules.MedicalGrace)
	assert.Equal(t, want.CancellationWindow, rules.CancellationWindow)
	assert.Equal(t, want.ClaimTokenTTL, rules.ClaimTokenTTL)
	assert.Equal(t, want.ReminderLead, rules.ReminderLead)
	assert.Equal(t, "UTC", rules.Location.String())
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("STUDIO_JWT_SECRET", "")
	os.Unsetenv("STUDIO_JWT_SECRET")

	_, err := Load(noEnvFile(t))
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	// GIVEN a .env file and one variable already in the environment
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STUDIO_JWT_SECRET=from-file\nSTUDIO_PORT=9000\n"), 0o600))
	t.Setenv("STUDIO_PORT", "9100")
	t.Setenv("STUDIO_JWT_SECRET", "")
	os.Unsetenv("STUDIO_JWT_SECRET")

	// WHEN loading
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN the file fills gaps but the environment wins
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 9100, cfg.Port)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STUDIO_JWT_SECRET", "secret")
	t.Setenv("STUDIO_VENUE_TZ", "Europe/Paris")
	t.Setenv("STUDIO_NEAR_SLOT_THRESHOLD", "90m")
	t.Setenv("STUDIO_CLOSED_WEEKDAYS", "sat, Sunday")
	t.Setenv("STUDIO_SLOT_MINUTES", "30")
	t.Setenv("STUDIO_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	rules, err := cfg.Rules()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", rules.Location.String())
	assert.Equal(t, 90*time.Minute, rules.NearSlotThreshold)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, rules.Hours.Closed)
	assert.Len(t, rules.Hours.SlotTimes(), 28)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown db driver", "STUDIO_DB_DRIVER", "mysql"},
		{"unknown mail driver", "STUDIO_MAIL_DRIVER", "pigeon"},
		{"sendgrid without key", "STUDIO_MAIL_DRIVER", "sendgrid"},
		{"zero sweep interval", "STUDIO_WAITLIST_SWEEP_INTERVAL", "0s"},
		{"bad duration", "STUDIO_CLAIM_TOKEN_TTL", "two days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STUDIO_JWT_SECRET", "secret")
			t.Setenv(tt.key, tt.val)

			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestRules_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown zone", "STUDIO_VENUE_TZ", "Mars/Olympus"},
		{"bad open time", "STUDIO_OPEN_TIME", "7am"},
		{"close before open", "STUDIO_CLOSE_TIME", "06:00"},
		{"unknown weekday", "STUDIO_CLOSED_WEEKDAYS", "Funday"},
		{"base cap above total", "STUDIO_BASE_CAP", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STUDIO_JWT_SECRET", "secret")
			t.Setenv(tt.key, tt.val)

			cfg, err := Load(noEnvFile(t))
			require.NoError(t, err)
			_, err = cfg.Rules()
			assert.Error(t, err)
		})
	}
}
