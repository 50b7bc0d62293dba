package config

import (
	"log/slog"
	"time"
)

// NewDefaultConfig returns a Config with every knob set to its documented
// default. ACME and Discord notifications start disabled; Load decodes
// TOML on top of this, so any field the file omits keeps its default.
func NewDefaultConfig() *Config {
	return &Config{
		Server: Server{
			Addr:                    ":8443",
			ReadTimeout:             Duration{2 * time.Second},
			ReadHeaderTimeout:       Duration{2 * time.Second},
			WriteTimeout:            Duration{3 * time.Second},
			IdleTimeout:             Duration{1 * time.Minute},
			ShutdownGracefulTimeout: Duration{15 * time.Second},
		},
		Acme: Acme{
			Enabled:              false,
			ChallengeType:        "http-01",
			DirectoryURL:         "https://acme-v02.api.letsencrypt.org/directory",
			RenewalWindow:        Duration{30 * 24 * time.Hour},
			RenewalSweepInterval: Duration{6 * time.Hour},
			CheckRetries:         5,
			CheckInterval:        Duration{10 * time.Second},
		},
		Storage: Storage{
			DBPath:     "gateway.db",
			AgeKeyPath: "gateway.age",
		},
		Log: Log{
			Level:         LogLevel{slog.LevelInfo},
			ChanSize:      1000,
			FlushSize:     100,
			FlushInterval: Duration{5 * time.Second},
		},
		Notify: Notify{
			Discord: Discord{
				Enabled:      false,
				APIRateLimit: Duration{2 * time.Second},
				APIBurst:     5,
				SendTimeout:  Duration{10 * time.Second},
			},
		},
	}
}
