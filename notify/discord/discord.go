// Package discord delivers gateway notifications to a Discord channel
// webhook. Sends are asynchronous and rate-limited: a notification that
// would exceed the limit is dropped with a log line rather than queued,
// since alerting must never apply backpressure to the issuance path.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/narrowlink/gateway/notify"
)

// discordMaxMessageLength is Discord's hard cap on message content;
// longer content is truncated.
const discordMaxMessageLength = 2000

// Options configures the Notifier.
type Options struct {
	WebhookURL   string
	APIRateLimit rate.Limit
	APIBurst     int
	SendTimeout  time.Duration
}

type payload struct {
	Content string `json:"content"`
}

// Notifier implements notify.Notifier against a Discord webhook. Safe
// for concurrent use: every field is immutable after New or is itself
// concurrency-safe.
type Notifier struct {
	opts           Options
	logger         *slog.Logger
	httpClient     *http.Client
	apiRateLimiter *rate.Limiter
}

var _ notify.Notifier = (*Notifier)(nil)

// New builds a Notifier. WebhookURL and logger are required; the rate
// limit, burst, and send timeout fall back to defaults tuned for a
// low-volume alerting channel.
func New(opts Options, logger *slog.Logger) (*Notifier, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("discord: WebhookURL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("discord: logger is required")
	}

	if opts.APIRateLimit == 0 {
		opts.APIRateLimit = rate.Every(2 * time.Second)
	}
	if opts.APIBurst <= 0 {
		opts.APIBurst = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	return &Notifier{
		opts:           opts,
		logger:         logger,
		apiRateLimiter: rate.NewLimiter(opts.APIRateLimit, opts.APIBurst),
		httpClient:     &http.Client{},
	}, nil
}

// formatMessage renders a notification as Discord markdown: a header
// quoting the message, then one line per field, keys sorted so repeated
// alerts for the same tenancy render identically.
func (dn *Notifier) formatMessage(n notify.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] from *%s*:\n> %s\n", n.Type, n.Source, n.Message)

	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		if k != "" && n.Fields[k] != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		b.WriteString("\n**Fields**:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "> %s: `%v`\n", k, n.Fields[k])
		}
	}

	content := b.String()
	if len(content) > discordMaxMessageLength {
		return content[:discordMaxMessageLength-3] + "..."
	}
	return content
}

// Send is non-blocking: it claims a rate-limit token and hands the
// actual HTTP dispatch to a goroutine. A nil return means the
// notification was accepted for delivery (or deliberately dropped by the
// rate limiter); delivery failures surface only in the log.
func (dn *Notifier) Send(_ context.Context, n notify.Notification) error {
	if !dn.apiRateLimiter.Allow() {
		dn.logger.Warn("discord: rate limit reached, dropping notification",
			"source", n.Source, "message", n.Message)
		return nil
	}

	go dn.deliver(n)
	return nil
}

// deliver posts one notification, bounded by SendTimeout. It runs
// detached from the caller's context so an issuance call returning early
// cannot cancel its own failure alert.
func (dn *Notifier) deliver(n notify.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), dn.opts.SendTimeout)
	defer cancel()

	body, err := json.Marshal(payload{Content: dn.formatMessage(n)})
	if err != nil {
		dn.logger.Error("discord: failed to marshal payload",
			"source", n.Source, "message", n.Message, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dn.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		dn.logger.Error("discord: failed to create request",
			"source", n.Source, "message", n.Message, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dn.httpClient.Do(req)
	if err != nil {
		dn.logger.Error("discord: failed to send webhook request",
			"source", n.Source, "message", n.Message, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		dn.logger.Error("discord: received non-2xx status",
			"status_code", resp.StatusCode, "source", n.Source, "message", n.Message)
		if resp.StatusCode == http.StatusTooManyRequests {
			dn.logger.Warn("discord: got 429 Too Many Requests, rate limit settings may need adjustment")
		}
		return
	}

	dn.logger.Debug("discord: notification delivered", "source", n.Source, "message", n.Message)
}
