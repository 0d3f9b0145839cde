package writer

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/chat-realtime/internal/diagnostics"
)

const insertDiagnostic = `
	INSERT INTO realtime_diagnostics
		(id, kind, occurred_at, transport_id, state, attempt, delay_ms, code, reason, name, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING
`

// DiagnosticWriter consumes diagnostic events and writes them to the realtime_diagnostics table.
type DiagnosticWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the diagnostics stream
	input <-chan diagnostics.Event

	// Database
	db BatchSender

	// Batching
	batch       []diagnosticRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewDiagnosticWriter creates a new DiagnosticWriter.
func NewDiagnosticWriter(
	cfg WriterConfig,
	input <-chan diagnostics.Event,
	db BatchSender,
	logger *slog.Logger,
) *DiagnosticWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &DiagnosticWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]diagnosticRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *DiagnosticWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("diagnostic writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down, drains buffered events and flushes them using ctx.
func (w *DiagnosticWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping diagnostic writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("diagnostic writer stop timed out")
		return ctx.Err()
	}

	w.drain()
	w.flush(ctx)

	w.logger.Info("diagnostic writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *DiagnosticWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the subscription and accumulates batches.
func (w *DiagnosticWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.input:
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *DiagnosticWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// drain moves events still buffered in the subscription into the batch.
func (w *DiagnosticWriter) drain() {
	for {
		select {
		case ev, ok := <-w.input:
			if !ok {
				return
			}
			w.appendRow(ev)
		default:
			return
		}
	}
}

// handleEvent adds an event to the batch and flushes when the batch is full.
func (w *DiagnosticWriter) handleEvent(ev diagnostics.Event) {
	if w.appendRow(ev) {
		w.flush(w.ctx)
	}
}

func (w *DiagnosticWriter) appendRow(ev diagnostics.Event) (full bool) {
	row := transform(ev)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	w.metrics.Received++
	return len(w.batch) >= w.cfg.BatchSize
}

// rowNamespace seeds the name-based row IDs.
var rowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chat-realtime:realtime_diagnostics"))

// transform converts a diagnostics.Event to a diagnosticRow.
func transform(ev diagnostics.Event) diagnosticRow {
	row := diagnosticRow{
		Kind:       string(ev.Kind),
		OccurredAt: ev.At.UTC(),
		State:      ev.State,
		Attempt:    ev.Attempt,
		DelayMs:    ev.Delay.Milliseconds(),
		Code:       ev.Code,
		Reason:     ev.Reason,
		Name:       ev.Name,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now().UTC()
	}
	if ev.TransportID != uuid.Nil {
		id := ev.TransportID
		row.TransportID = &id
	}
	if ev.Err != nil {
		msg := ev.Err.Error()
		row.Error = &msg
	}
	row.ID = rowID(row)
	return row
}

// rowID derives the primary key from the row's content. Writing the same
// event twice stores one row; the second insert counts as a conflict.
func rowID(r diagnosticRow) uuid.UUID {
	var b strings.Builder
	b.WriteString(r.Kind)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(r.OccurredAt.UnixNano(), 10))
	b.WriteByte(0)
	if r.TransportID != nil {
		b.WriteString(r.TransportID.String())
	}
	for _, field := range []string{
		r.State,
		strconv.Itoa(r.Attempt),
		strconv.FormatInt(r.DelayMs, 10),
		strconv.Itoa(r.Code),
		r.Reason,
		r.Name,
	} {
		b.WriteByte(0)
		b.WriteString(field)
	}
	b.WriteByte(0)
	if r.Error != nil {
		b.WriteString(*r.Error)
	}
	return uuid.NewSHA1(rowNamespace, []byte(b.String()))
}

// flush writes the current batch to the database.
func (w *DiagnosticWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]diagnosticRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed diagnostics",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *DiagnosticWriter) batchInsert(ctx context.Context, rows []diagnosticRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertDiagnostic,
			r.ID, r.Kind, r.OccurredAt, r.TransportID, r.State,
			r.Attempt, r.DelayMs, r.Code, r.Reason, r.Name, r.Error)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
