package config

import (
	"fmt"
	"net"
	"net/mail"
	"strings"
)

// Validate checks the entire configuration for correctness, aggregating
// checks from every section.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validateAcme(&cfg.Acme); err != nil {
		return fmt.Errorf("acme: %w", err)
	}
	if err := validateStorage(&cfg.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := validateDiscord(&cfg.Notify.Discord); err != nil {
		return fmt.Errorf("notify.discord: %w", err)
	}
	return nil
}

func validateServer(s *Server) error {
	if s.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", s.Addr, err)
	}
	if s.RedirectAddr != "" {
		if _, _, err := net.SplitHostPort(s.RedirectAddr); err != nil {
			return fmt.Errorf("invalid redirect_addr %q: %w", s.RedirectAddr, err)
		}
	}
	return nil
}

func validateAcme(a *Acme) error {
	if !a.Enabled {
		return nil
	}
	if _, err := mail.ParseAddress(a.ContactEmail); err != nil {
		return fmt.Errorf("invalid contact_email %q: %w", a.ContactEmail, err)
	}
	switch a.ChallengeType {
	case "http-01", "tls-alpn-01":
	default:
		return fmt.Errorf("challenge_type must be \"http-01\" or \"tls-alpn-01\", got %q", a.ChallengeType)
	}
	if a.DirectoryURL == "" {
		return fmt.Errorf("directory_url cannot be empty")
	}
	if a.CheckRetries < 0 {
		return fmt.Errorf("check_retries cannot be negative")
	}
	return nil
}

func validateStorage(s *Storage) error {
	if s.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	return nil
}

func validateLog(l *Log) error {
	if l.ChanSize < 1 {
		return fmt.Errorf("chan_size must be >= 1")
	}
	if l.FlushSize < 1 {
		return fmt.Errorf("flush_size must be >= 1")
	}
	if l.FlushInterval.Duration <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	return nil
}

func validateDiscord(d *Discord) error {
	if !d.Enabled {
		return nil
	}
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook_url cannot be empty when enabled")
	}
	if !strings.Contains(d.WebhookURL, "discord.com/api/webhooks/") &&
		!strings.Contains(d.WebhookURL, "discordapp.com/api/webhooks/") {
		return fmt.Errorf("webhook_url must point at a discord.com or discordapp.com webhook")
	}
	if d.APIBurst < 1 {
		return fmt.Errorf("api_burst must be >= 1")
	}
	return nil
}
