// Package logging builds the structured logger every vsrdb process starts
// with: a zap core handling encoding and output, wrapped so the rest of the
// codebase can keep calling the plain log/slog API, fanned out to a second
// handler shipping the same records to Seq when one is reachable.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogseq "github.com/sokkalf/slog-seq"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// multiHandler fans every record out to a fixed set of handlers, failing
// only if all of them fail.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var lastErr error
	failed := 0
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			lastErr = err
			failed++
		}
	}
	if failed == len(m.handlers) {
		return lastErr
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// SeqEndpoint is the local Seq ingestion URL logging attempts to reach at
// startup. A package variable rather than a parameter threaded through
// every caller, since every process in a cluster ships logs to the same
// place.
var SeqEndpoint = "http://localhost:5341"

// zapCore builds the console-facing zap core: JSON-encoded, timestamped,
// written to stdout at info level and above.
func zapCore() zapcore.Core {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)
	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(zapcore.InfoLevel))
}

// SetupLogger builds the process-wide logger, backed by a zap core bridged
// onto the log/slog interface so call sites never need to know which
// logging library is underneath, and returns a cleanup function that must
// run before the process exits, flushing anything the Seq handler has
// buffered. If no Seq server is reachable, logging falls back to zap-only
// and the returned cleanup is a no-op.
func SetupLogger() (*slog.Logger, func()) {
	zapHandler := zapslog.NewHandler(zapCore())

	_, seqHandler := slogseq.NewLogger(
		SeqEndpoint,
		slogseq.WithBatchSize(20),
		slogseq.WithFlushInterval(500*time.Millisecond),
		slogseq.WithHandlerOptions(&slog.HandlerOptions{
			Level: slog.LevelInfo,
		}),
	)

	if seqHandler == nil {
		return slog.New(zapHandler), func() {}
	}

	multi := &multiHandler{handlers: []slog.Handler{zapHandler, seqHandler}}
	return slog.New(multi), func() { seqHandler.Close() }
}

// ForReplica returns a child logger carrying the cluster and replica
// identity on every record it emits; internal/vsr.Open separately stamps
// replica_id (but not cluster_id) on the logger it's handed.
func ForReplica(base *slog.Logger, clusterID uint64, replicaID uint8) *slog.Logger {
	return base.With("cluster_id", clusterID, "replica_id", replicaID)
}
