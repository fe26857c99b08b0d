package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// DeadLetter records one operation that exhausted automated recovery:
// a failed best-effort step, or a failed compensator together with the
// saga's accumulated state for manual remediation.
type DeadLetter struct {
	ID         string         `json:"id"`
	SagaID     string         `json:"sagaId"`
	Step       string         `json:"step"`
	Reason     string         `json:"reason"`
	LastError  string         `json:"lastError,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempts   int            `json:"attempts"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// DeadLetterSink is where dead letters eventually land.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// DLQWorker decouples dead-letter delivery from the request path: entries go
// into a bounded queue and a single worker publishes them with backoff
// retries. When the queue is full the entry is published synchronously
// instead, so a dead letter is never silently dropped.
type DLQWorker struct {
	sink   DeadLetterSink
	logger *log.Logger

	queue       chan DeadLetter
	maxAttempts int
	retryDelay  time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

func NewDLQWorker(sink DeadLetterSink, logger *log.Logger, queueSize int) *DLQWorker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &DLQWorker{
		sink:        sink,
		logger:      logger,
		queue:       make(chan DeadLetter, queueSize),
		maxAttempts: 5,
		retryDelay:  200 * time.Millisecond,
	}
}

// Start launches the delivery loop. The worker stops after Close drained the
// queue.
func (w *DLQWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for dl := range w.queue {
			w.deliver(ctx, dl)
		}
	}()
}

// Enqueue hands a dead letter to the worker without blocking the caller.
func (w *DLQWorker) Enqueue(dl DeadLetter) {
	if dl.OccurredAt.IsZero() {
		dl.OccurredAt = time.Now().UTC()
	}
	select {
	case w.queue <- dl:
	default:
		// Queue full: deliver inline rather than drop. Slower, never lossy.
		w.logger.Printf("dlq: queue full, delivering inline saga=%s step=%s", dl.SagaID, dl.Step)
		w.deliver(context.Background(), dl)
	}
}

// Close stops accepting entries and blocks until the queue is drained.
func (w *DLQWorker) Close() {
	w.once.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
}

func (w *DLQWorker) deliver(ctx context.Context, dl DeadLetter) {
	delay := w.retryDelay
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		dl.Attempts = attempt
		err := w.sink.PublishDeadLetter(ctx, dl)
		if err == nil {
			w.logger.Printf("dlq: recorded saga=%s step=%s reason=%q", dl.SagaID, dl.Step, dl.Reason)
			return
		}
		w.logger.Printf("dlq: publish attempt %d failed saga=%s step=%s err=%v", attempt, dl.SagaID, dl.Step, err)

		if attempt < w.maxAttempts {
			select {
			case <-ctx.Done():
				w.dump(dl)
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	w.dump(dl)
}

// dump is the last resort: the full entry goes into the log so an operator
// can replay it by hand.
func (w *DLQWorker) dump(dl DeadLetter) {
	body, err := json.Marshal(dl)
	if err != nil {
		w.logger.Printf("dlq: UNDELIVERABLE saga=%s step=%s (marshal failed: %v)", dl.SagaID, dl.Step, err)
		return
	}
	w.logger.Printf("dlq: UNDELIVERABLE entry=%s", body)
}
