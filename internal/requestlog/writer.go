package requestlog

import (
	"context"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize    = 1000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second

	// bound on the final flush after the run context is cancelled
	shutdownFlushTimeout = 5 * time.Second
)

// BatchInserter is implemented by repository.RequestLogRepository
type BatchInserter interface {
	CreateBatch(ctx context.Context, logs []models.RequestLog) error
}

// Recorder receives writer counters, implemented by metrics.Metrics
type Recorder interface {
	IncRequestLogsDropped()
	AddRequestLogsWritten(n int)
}

type nopRecorder struct{}

func (nopRecorder) IncRequestLogsDropped()  {}
func (nopRecorder) AddRequestLogsWritten(int) {}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Writer persists request logs in batches off the request path. Entries are
// dropped, never blocked on, when the buffer is full.
type Writer struct {
	repo          BatchInserter
	entries       chan models.RequestLog
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger
	recorder      Recorder
}

func NewWriter(repo BatchInserter, cfg Config, log *zap.Logger, recorder Recorder) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Writer{
		repo:          repo,
		entries:       make(chan models.RequestLog, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		log:           log,
		recorder:      recorder,
	}
}

// Enqueue queues entry without blocking and reports whether it was accepted
func (w *Writer) Enqueue(entry models.RequestLog) bool {
	select {
	case w.entries <- entry:
		return true
	default:
		w.recorder.IncRequestLogsDropped()
		w.log.Warn("request_log_buffer_full", zap.String("path", entry.Path))
		return false
	}
}

// Run inserts batches until ctx is cancelled, then flushes whatever is
// still buffered and returns.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]models.RequestLog, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)

			// Insert when batch is full
			if len(batch) >= w.batchSize {
				w.insert(ctx, batch)
				batch = make([]models.RequestLog, 0, w.batchSize)
			}

		case <-ticker.C:
			// Periodically insert remaining logs
			if len(batch) > 0 {
				w.insert(ctx, batch)
				batch = make([]models.RequestLog, 0, w.batchSize)
			}

		case <-ctx.Done():
			w.drain(batch)
			return
		}
	}
}

func (w *Writer) drain(batch []models.RequestLog) {
	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
		default:
			if len(batch) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			defer cancel()
			w.insert(ctx, batch)
			return
		}
	}
}

func (w *Writer) insert(ctx context.Context, batch []models.RequestLog) {
	if err := w.repo.CreateBatch(ctx, batch); err != nil {
		w.log.Error("request_log_insert_failed",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
		return
	}
	w.recorder.AddRequestLogsWritten(len(batch))
}
