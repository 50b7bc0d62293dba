package certmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/narrowlink/gateway/db"
	"github.com/narrowlink/gateway/notify"
)

// runLoop is a single long-running task multiplexing the command channel
// against a periodic renewal timer. It has no terminal state in normal
// operation; it returns only when ctx is cancelled (Manager.Stop) or the
// command channel is closed.
func (m *Manager) runLoop(ctx context.Context) {
	defer close(m.handle.done)

	ticker := time.NewTicker(m.renewalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.sendCh:
			if !ok {
				return
			}
			m.handleMessage(ctx, msg)
		case <-ticker.C:
			m.sweepRenewals(ctx)
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, msg Message) {
	if msg.isUnload() {
		m.UnloadFromMemory(msg.Key)
		return
	}
	m.handleLoad(ctx, msg.Key, msg.Domains)
}

// handleLoad attempts a cache load; on failure, falls back to ACME
// issuance (if enabled); regardless of the issue outcome, attempts the
// cache load once more, best-effort. Every error is logged, never
// propagated: the loop must never crash on a bad command.
func (m *Manager) handleLoad(ctx context.Context, key db.TenancyKey, domains []string) {
	logger := m.logger.With("uid", key.UID, "agent_name", key.AgentName, "domains", domains)

	if err := m.LoadToMemory(ctx, key, domains); err != nil {
		logger.Warn("load_to_memory failed", "error", err)

		if m.acmeEnabled {
			m.attemptIssue(ctx, logger, key, domains)
		}

		if err := m.LoadToMemory(ctx, key, domains); err != nil {
			logger.Error("load_to_memory retry after issue attempt failed", "error", err)
		}
	}
}

func (m *Manager) attemptIssue(ctx context.Context, logger *slog.Logger, key db.TenancyKey, domains []string) {
	cacheKey := key.UID + "\x1f" + key.AgentName

	if m.negativeCache != nil {
		if _, found := m.negativeCache.Get(cacheKey); found {
			logger.Info("skipping issue, recently failed")
			return
		}
	}

	if err := m.Issue(ctx, key, domains, nil, nil); err != nil {
		logger.Warn("issue failed", "error", err)
		if m.negativeCache != nil {
			m.negativeCache.SetWithTTL(cacheKey, time.Now(), 1, issuanceBackoffTTL)
		}
		m.notifier.Send(ctx, notify.Notification{
			Timestamp: time.Now(),
			Type:      notify.Alarm,
			Source:    "certmanager",
			Message:   "certificate issuance failed",
			Fields: map[string]interface{}{
				"uid":        key.UID,
				"agent_name": key.AgentName,
				"domains":    domains,
				"error":      err.Error(),
			},
		})
		return
	}

	logger.Info("issue succeeded")
	m.notifier.Send(ctx, notify.Notification{
		Timestamp: time.Now(),
		Type:      notify.Metric,
		Source:    "certmanager",
		Message:   "certificate issued",
		Fields: map[string]interface{}{
			"uid":        key.UID,
			"agent_name": key.AgentName,
			"domains":    domains,
		},
	})
}

// sweepRenewals snapshots the store for entries due for renewal and
// re-enqueues a Load for each, serializing renewals against concurrent
// load/unload commands and reusing the same fallback-to-issue behavior.
func (m *Manager) sweepRenewals(ctx context.Context) {
	entries := m.store.renewNeeded()
	for _, e := range entries {
		m.logger.Info("renewal needed, re-enqueueing load", "uid", e.Key.UID, "agent_name", e.Key.AgentName)
		select {
		case m.sendCh <- LoadMessage(e.Key, e.Domains):
		case <-ctx.Done():
			return
		}
	}
}
