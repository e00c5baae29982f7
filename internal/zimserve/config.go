package zimserve

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for zimserve, populated from environment
// variables.
type Config struct {
	ArchiveDir  string // ZIM_DIR
	ManageEnabled bool   // ZIMI_MANAGE
	DataDir     string // ZIMI_DATA_DIR
	ManagePassword string // ZIMI_MANAGE_PASSWORD (plaintext; hashed on read)
	RateLimit   int    // ZIMI_RATE_LIMIT (0 disables)
	AutoUpdate  bool   // ZIMI_AUTO_UPDATE
	UpdateFreq  string // ZIMI_UPDATE_FREQ: daily|weekly|monthly

	ArchiveRefreshInterval time.Duration
	SuggestCacheTTL        time.Duration
	SearchCacheTTL         time.Duration
	SearchCacheReaccessTTL time.Duration
	FTSDeadline            time.Duration

	HTTPReadHeaderTimeout time.Duration
	HTTPIdleTimeout       time.Duration
	HTTPMaxHeaderBytes    int

	MaxPostBody          int64
	MaxNonStreamableSize int64
	SnippetReadBytes     int64

	DownloadTrustedHost string // download.kiwix.org — catalog downloads may only use this host
}

type envLookup func(key string) (string, bool)

// LoadConfig loads configuration from environment variables.
//
// This is the production entry point; for tests use parseConfigFromMap to avoid relying
// on process environment state.
func LoadConfig() (Config, error) {
	return parseConfigFromLookup(os.LookupEnv)
}

func parseConfigFromMap(env map[string]string) (Config, error) {
	return parseConfigFromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func parseConfigFromLookup(lookup envLookup) (Config, error) {
	cfg := Config{
		ArchiveDir:          "/data/zim",
		DataDir:             "/data/zimserve",
		RateLimit:           60,
		UpdateFreq:          "daily",
		DownloadTrustedHost: "download.kiwix.org",

		ArchiveRefreshInterval: 5 * time.Minute,
		SuggestCacheTTL:        15 * time.Minute,
		SearchCacheTTL:         15 * time.Minute,
		SearchCacheReaccessTTL: 30 * time.Minute,
		FTSDeadline:            30 * time.Second,

		HTTPReadHeaderTimeout: 5 * time.Second,
		HTTPIdleTimeout:       60 * time.Second,
		HTTPMaxHeaderBytes:    8192,

		MaxPostBody:          64 * 1024,
		MaxNonStreamableSize: 50 * 1024 * 1024,
		SnippetReadBytes:     15 * 1024,
	}

	if v, ok := lookup("ZIM_DIR"); ok && v != "" {
		cfg.ArchiveDir = v
	}

	if v, ok := lookup("ZIMI_MANAGE"); ok {
		cfg.ManageEnabled = v == "1"
	}

	if v, ok := lookup("ZIMI_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}

	if v, ok := lookup("ZIMI_MANAGE_PASSWORD"); ok {
		cfg.ManagePassword = v
	}

	if v, ok := lookup("ZIMI_RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_RATE_LIMIT: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("ZIMI_RATE_LIMIT: must be >= 0")
		}
		cfg.RateLimit = n
	}

	if v, ok := lookup("ZIMI_AUTO_UPDATE"); ok {
		cfg.AutoUpdate = v == "1"
	}

	if v, ok := lookup("ZIMI_UPDATE_FREQ"); ok && v != "" {
		if err := validateUpdateFreq(v); err != nil {
			return Config{}, fmt.Errorf("ZIMI_UPDATE_FREQ: %w", err)
		}
		cfg.UpdateFreq = v
	}

	return cfg, nil
}

func validateUpdateFreq(freq string) error {
	switch freq {
	case "daily", "weekly", "monthly":
		return nil
	default:
		return fmt.Errorf("invalid frequency %q: must be one of daily, weekly, monthly", freq)
	}
}

// updateFreqInterval maps a frequency name to the autoupdate loop's check interval.
func updateFreqInterval(freq string) time.Duration {
	switch freq {
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func trimmedNonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
