package log

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/narrowlink/gateway/config"
	"github.com/narrowlink/gateway/db"
)

// Store persists batches of issuance audit log entries. db/zombiezen.Db
// satisfies this.
type Store interface {
	WriteIssuanceLogBatch(ctx context.Context, batch []db.IssuanceLogEntry) error
}

// Daemon drains a channel of slog.Records and flushes them to Store in
// batches, either when a batch fills or on a timer. It owns the channel
// end returned by Chan.
type Daemon struct {
	recordChan     chan slog.Record
	store          Store
	opLogger       *slog.Logger
	configProvider *config.Provider

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

// New builds a Daemon writing into store, sized and paced by
// configProvider's current Log settings.
func New(configProvider *config.Provider, opLogger *slog.Logger, store Store) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("log: store cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := configProvider.Get()

	return &Daemon{
		recordChan:     make(chan slog.Record, cfg.Log.ChanSize),
		store:          store,
		opLogger:       opLogger.With("daemon_component", "log.Daemon"),
		configProvider: configProvider,
		ctx:            ctx,
		cancel:         cancel,
		shutdownDone:   make(chan struct{}),
	}, nil
}

// Chan returns the write-end of the channel and the daemon's context, for
// handing to NewBatchHandler.
func (ld *Daemon) Chan() (chan<- slog.Record, context.Context) {
	return ld.recordChan, ld.ctx
}

// Name implements server.Daemon.
func (ld *Daemon) Name() string {
	return "log.Daemon"
}

// Start implements server.Daemon.
func (ld *Daemon) Start() error {
	go ld.processLogs()
	return nil
}

// Stop implements server.Daemon.
func (ld *Daemon) Stop(ctx context.Context) error {
	ld.cancel()
	select {
	case <-ld.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ld *Daemon) prepareEntry(record slog.Record) (db.IssuanceLogEntry, error) {
	attrs := convertSlogRecordToMap(record)

	uid, _ := attrs["uid"].(string)
	agentName, _ := attrs["agent_name"].(string)
	domains, _ := attrs["domains"].(string)

	jsonData, err := json.Marshal(attrs)
	if err != nil {
		return db.IssuanceLogEntry{}, fmt.Errorf("log: failed to marshal attrs: %w", err)
	}

	return db.IssuanceLogEntry{
		UID:       uid,
		AgentName: agentName,
		Domains:   domains,
		Level:     record.Level.String(),
		Message:   record.Message,
		AttrsJSON: string(jsonData),
		LoggedAt:  record.Time.UTC(),
	}, nil
}

func (ld *Daemon) processLogs() {
	defer close(ld.shutdownDone)

	cfg := ld.configProvider.Get()
	ticker := time.NewTicker(cfg.Log.FlushInterval.Duration)
	defer ticker.Stop()

	batch := make([]db.IssuanceLogEntry, 0, cfg.Log.FlushSize)

	flushBatch := func(reason string) {
		if len(batch) == 0 {
			return
		}
		if err := ld.store.WriteIssuanceLogBatch(context.Background(), batch); err != nil {
			ld.opLogger.Error("failed to write issuance log batch", "error", err, "batch_size", len(batch), "reason", reason)
		}
		batch = batch[:0]
	}

	appendRecord := func(record slog.Record, reason string) {
		entry, err := ld.prepareEntry(record)
		if err != nil {
			ld.opLogger.Error("failed to prepare log record, skipping", "error", err, "record_msg", record.Message)
			return
		}
		batch = append(batch, entry)
		if len(batch) >= cfg.Log.FlushSize {
			flushBatch(reason)
		}
	}

	for {
		select {
		case record, ok := <-ld.recordChan:
			if !ok {
				flushBatch("channel_closed")
				return
			}
			appendRecord(record, "batch_full")

		case <-ticker.C:
			flushBatch("ticker")

		case <-ld.ctx.Done():
		drainLoop:
			for {
				select {
				case record, ok := <-ld.recordChan:
					if !ok {
						break drainLoop
					}
					appendRecord(record, "shutdown_drain_full")
				default:
					break drainLoop
				}
			}
			flushBatch("shutdown_final")
			close(ld.recordChan)
			return
		}
	}
}

// convertSlogRecordToMap flattens a record's attributes (including the
// standard time/level/msg fields) into a map suitable for JSON encoding.
func convertSlogRecordToMap(r slog.Record) map[string]any {
	data := make(map[string]any)
	data["time"] = r.Time.UTC().Format(time.RFC3339Nano)
	data["level"] = r.Level.String()
	data["msg"] = r.Message

	r.Attrs(func(a slog.Attr) bool {
		resolveAndInsertAttr(data, a)
		return true
	})
	return data
}

func resolveAndInsertAttr(m map[string]any, a slog.Attr) {
	key := a.Key
	if key == "" {
		return
	}

	val := a.Value.Resolve()

	switch val.Kind() {
	case slog.KindString:
		m[key] = val.String()
	case slog.KindInt64:
		m[key] = val.Int64()
	case slog.KindUint64:
		m[key] = val.Uint64()
	case slog.KindFloat64:
		m[key] = val.Float64()
	case slog.KindBool:
		m[key] = val.Bool()
	case slog.KindDuration:
		m[key] = val.Duration().String()
	case slog.KindTime:
		m[key] = val.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		groupAttrs := val.Group()
		if len(groupAttrs) == 0 {
			return
		}
		groupMap := make(map[string]any)
		for _, ga := range groupAttrs {
			resolveAndInsertAttr(groupMap, ga)
		}
		if len(groupMap) > 0 {
			m[key] = groupMap
		}
	default:
		anyVal := val.Any()
		switch v := anyVal.(type) {
		case error:
			m[key] = v.Error()
		default:
			m[key] = fmt.Sprint(anyVal)
		}
	}
}
