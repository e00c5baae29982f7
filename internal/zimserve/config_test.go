package zimserve

import "testing"

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfigFromMap(map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit != 60 {
		t.Errorf("default RateLimit = %d, want 60", cfg.RateLimit)
	}
	if cfg.UpdateFreq != "daily" {
		t.Errorf("default UpdateFreq = %q, want daily", cfg.UpdateFreq)
	}
	if cfg.ManageEnabled {
		t.Error("ManageEnabled should default to false")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfigFromMap(map[string]string{
		"ZIM_DIR":           "/srv/zim",
		"ZIMI_MANAGE":       "1",
		"ZIMI_DATA_DIR":     "/srv/data",
		"ZIMI_RATE_LIMIT":   "10",
		"ZIMI_AUTO_UPDATE":  "1",
		"ZIMI_UPDATE_FREQ":  "weekly",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ArchiveDir != "/srv/zim" {
		t.Errorf("ArchiveDir = %q", cfg.ArchiveDir)
	}
	if !cfg.ManageEnabled {
		t.Error("expected ManageEnabled = true")
	}
	if cfg.DataDir != "/srv/data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("RateLimit = %d, want 10", cfg.RateLimit)
	}
	if !cfg.AutoUpdate {
		t.Error("expected AutoUpdate = true")
	}
	if cfg.UpdateFreq != "weekly" {
		t.Errorf("UpdateFreq = %q, want weekly", cfg.UpdateFreq)
	}
}

func TestParseConfigRejectsInvalidRateLimit(t *testing.T) {
	t.Parallel()

	if _, err := parseConfigFromMap(map[string]string{"ZIMI_RATE_LIMIT": "-5"}); err == nil {
		t.Error("expected negative ZIMI_RATE_LIMIT to be rejected")
	}
	if _, err := parseConfigFromMap(map[string]string{"ZIMI_RATE_LIMIT": "not-a-number"}); err == nil {
		t.Error("expected non-numeric ZIMI_RATE_LIMIT to be rejected")
	}
}

func TestParseConfigRejectsInvalidUpdateFreq(t *testing.T) {
	t.Parallel()

	if _, err := parseConfigFromMap(map[string]string{"ZIMI_UPDATE_FREQ": "fortnightly"}); err == nil {
		t.Error("expected an invalid ZIMI_UPDATE_FREQ to be rejected")
	}
}

func TestUpdateFreqIntervalMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"daily": 24, "weekly": 24 * 7, "monthly": 24 * 30}
	for freq, wantHours := range cases {
		got := updateFreqInterval(freq)
		if got.Hours() != float64(wantHours) {
			t.Errorf("updateFreqInterval(%q) = %v, want %dh", freq, got, wantHours)
		}
	}
}
