package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narrowlink/gateway/config"
)

// BatchHandler is a slog.Handler that forwards records to a channel for
// batched persistence instead of writing them itself. Daemon owns the
// other end of the channel.
type BatchHandler struct {
	configProvider *config.Provider
	recordChan     chan<- slog.Record
	daemonCtx      context.Context
	attrs          []slog.Attr
}

// NewBatchHandler builds a BatchHandler writing into recordChan, the
// write-end of the channel Daemon reads from. daemonCtx is used to detect
// the daemon shutting down so Handle can fail fast instead of blocking on
// a full channel no one will drain. Panics if any argument is nil.
func NewBatchHandler(configProvider *config.Provider, recordChan chan<- slog.Record, daemonCtx context.Context) *BatchHandler {
	if configProvider == nil {
		panic("log: configProvider cannot be nil")
	}
	if recordChan == nil {
		panic("log: recordChan cannot be nil")
	}
	if daemonCtx == nil {
		panic("log: daemonCtx cannot be nil")
	}
	return &BatchHandler{
		configProvider: configProvider,
		recordChan:     recordChan,
		daemonCtx:      daemonCtx,
	}
}

// Enabled implements slog.Handler, consulting the live configured level.
func (h *BatchHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.configProvider.Get().Log.Level.Level
}

// Handle implements slog.Handler. It never blocks: the record is dropped
// (with an error returned) if the daemon is shutting down or its channel
// is full.
func (h *BatchHandler) Handle(_ context.Context, r slog.Record) error {
	if h.daemonCtx.Err() != nil {
		return fmt.Errorf("log: daemon shutting down, dropping record")
	}

	for _, attr := range h.attrs {
		r.AddAttrs(attr)
	}

	select {
	case h.recordChan <- r:
		return nil
	default:
		return fmt.Errorf("log: channel full, dropping record")
	}
}

func (h *BatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &BatchHandler{
		configProvider: h.configProvider,
		recordChan:     h.recordChan,
		daemonCtx:      h.daemonCtx,
		attrs:          newAttrs,
	}
}

// WithGroup does not implement group-qualified attribute nesting; it
// returns an equivalent handler so callers can chain it safely.
func (h *BatchHandler) WithGroup(name string) slog.Handler {
	return &BatchHandler{
		configProvider: h.configProvider,
		recordChan:     h.recordChan,
		daemonCtx:      h.daemonCtx,
		attrs:          h.attrs,
	}
}
