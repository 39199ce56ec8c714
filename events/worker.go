package events

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/encoding"
	"github.com/settfs/sett/telemetry"
)

const (
	// Default number of events shipped per flush cycle
	DefaultBatchSize = 64
	// Default wait before shipping a partial batch
	DefaultFlushInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Maximum publish attempts before an event is dropped
	DefaultMaxRetries = 20
)

// WorkerConfig configures the event publisher worker.
type WorkerConfig struct {
	Name          string        // Sink name (log lines, metric labels)
	Hub           *Hub          // Hub to drain
	Sink          Sink          // Destination sink
	Filter        *PathFilter   // nil publishes everything
	Topic         string        // Topic prefix; the op kind is appended
	Buffer        int           // Hub subscription buffer (0 = batch size * 4)
	BatchSize     int           // Events per flush cycle
	FlushInterval time.Duration // Max wait before shipping a partial batch
	RetryInitial  time.Duration // Initial retry delay
	RetryMax      time.Duration // Max retry delay
	MaxRetries    int           // Publish attempts before dropping an event
}

// Worker drains the hub and publishes events to a sink. Events the sink
// refuses are retried with exponential backoff; an event that exhausts its
// retry budget is dropped with an error log rather than stalling the
// stream behind it.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancelSub   func()
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker validates the config and applies defaults.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Buffer <= 0 {
		config.Buffer = config.BatchSize * 4
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{config: config}, nil
}

// Start subscribes to the hub and launches the drain goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	ch, cancel := w.config.Hub.SubscribeBuffered(w.config.Buffer)
	w.cancelSub = cancel
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("Starting event publisher worker")

	go w.drainLoop(ch)
}

// Stop unsubscribes and waits for the drain goroutine to finish. Events
// still buffered in the subscription are shipped before returning.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping event publisher worker")

	w.cancelSub() // closes the hub channel, drainLoop exits after draining
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Event publisher worker stopped")
}

// drainLoop collects events into batches and ships them. A batch goes out
// when it is full or when the flush interval elapses with events pending.
func (w *Worker) drainLoop(ch <-chan TxnEvent) {
	defer close(w.doneCh)

	batch := make([]TxnEvent, 0, w.config.BatchSize)
	flush := time.NewTimer(w.config.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				w.ship(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.config.BatchSize {
				w.ship(batch)
				batch = batch[:0]
			}
		case <-flush.C:
			if len(batch) > 0 {
				w.ship(batch)
				batch = batch[:0]
			}
			flush.Reset(w.config.FlushInterval)
		}
	}
}

// ship publishes one batch in order. Filtered events are skipped; an event
// that exhausts its retries is dropped so the rest of the batch still goes
// out.
func (w *Worker) ship(batch []TxnEvent) {
	for _, ev := range batch {
		if w.config.Filter != nil && !w.config.Filter.Match(ev.Path) {
			continue
		}

		data, err := encoding.Marshal(&ev)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("txn", ev.TxnID).
				Msg("Failed to encode event")
			telemetry.EventsPublishedTotal.With(w.config.Name, "error").Inc()
			continue
		}

		topic := w.buildTopic(ev.Op)
		key := strconv.FormatUint(ev.TxnID, 10)

		if err := w.publishWithRetry(topic, key, data); err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Str("topic", topic).
				Uint64("txn", ev.TxnID).
				Msg("Dropping event after exhausted retries")
			telemetry.EventsPublishedTotal.With(w.config.Name, "error").Inc()
			continue
		}
		telemetry.EventsPublishedTotal.With(w.config.Name, "ok").Inc()
	}
}

// buildTopic appends the op kind to the topic prefix, so consumers can
// subscribe per operation class.
func (w *Worker) buildTopic(op string) string {
	if op == "" {
		op = "unknown"
	}
	return w.config.Topic + "." + op
}

// publishWithRetry publishes with exponential backoff. Returns an error
// once the retry budget is exhausted or the worker is stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts for topic %s: %w", attempts, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry: %w", err)
		}

		delay *= 2
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d, cut short by Stop. Returns false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
