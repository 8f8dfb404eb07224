// Package pipeline wires the two ingestion stages together: a reader that
// frames messages off the device connection and a processor that extracts,
// buffers, and flushes them. The stages share nothing but a bounded channel
// and the cancellation contexts.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"readport/internal/archive"
	"readport/internal/buffer"
	"readport/internal/extract"
	"readport/internal/logging"
)

// DefaultPollInterval bounds how long the processor waits for a record
// before re-checking for shutdown.
const DefaultPollInterval = time.Second

// RawRecord is one framed message as handed from the reader to the
// processor. Produced once, consumed once, never shared.
type RawRecord struct {
	// Payload is the message including its trailing delimiter (absent only
	// when the peer closed mid-message).
	Payload []byte
	// ReceivedAt is the receipt timestamp in Unix seconds. Messages bundled
	// into one socket read are timestamped individually after splitting.
	ReceivedAt float64
	// Fresh marks the first message read after a (re)connection.
	Fresh bool
}

// Conn is the connection manager as consumed by the reader stage.
// *device.Client implements it.
type Conn interface {
	Connect(ctx context.Context) error
	ReadLine() ([]byte, error)
	Fresh() bool
	Close()
}

// Archiver persists one completed batch. *archive.Writer implements it.
type Archiver interface {
	Flush(path string, columns map[string][]any) error
}

// Options configures a Pipeline.
type Options struct {
	Conn      Conn
	Extractor *extract.Extractor
	Writer    Archiver
	// Template resolves the destination path at flush time.
	Template *archive.Template
	// PackLength is the number of records per archive.
	PackLength int
	// QueueSize bounds the transport queue. Saturation is fatal.
	QueueSize int
	// Delimiter is stripped from the end of each payload before matching.
	Delimiter byte
	// PollInterval overrides DefaultPollInterval (tests).
	PollInterval time.Duration
	Logger       *slog.Logger
	// now overrides the clock (tests).
	now func() time.Time
}

// Pipeline runs the reader and processor stages.
type Pipeline struct {
	conn      Conn
	extractor *extract.Extractor
	writer    Archiver
	template  *archive.Template
	buf       *buffer.Buffer
	queue     chan RawRecord
	delim     byte
	poll      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates the options and builds a stopped pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Conn == nil || opts.Extractor == nil || opts.Writer == nil || opts.Template == nil {
		return nil, errors.New("pipeline: conn, extractor, writer, and template are required")
	}
	if opts.PackLength <= 0 {
		return nil, errors.New("pipeline: pack length must be positive")
	}
	if opts.QueueSize <= 0 {
		return nil, errors.New("pipeline: queue size must be positive")
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = '\n'
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	return &Pipeline{
		stopCh:    make(chan struct{}),
		conn:      opts.Conn,
		extractor: opts.Extractor,
		writer:    opts.Writer,
		template:  opts.Template,
		buf:       buffer.New(opts.PackLength, opts.Extractor.Schema().GroupKey()),
		queue:     make(chan RawRecord, opts.QueueSize),
		delim:     opts.Delimiter,
		poll:      opts.PollInterval,
		logger:    logging.Default(opts.Logger).With("component", "pipeline"),
		now:       opts.now,
	}, nil
}

// Shutdown requests a graceful stop: the reader stops enqueuing and the
// processor drains the queue before exiting. Safe to call more than once
// and from any goroutine.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Run executes both stages until a graceful Shutdown has drained the queue
// or ctx is cancelled outright. Cancelling ctx is the hard path: both
// stages stop immediately, discarding queued-but-unprocessed records.
// A Pipeline runs once; build a new one to run again.
func (p *Pipeline) Run(ctx context.Context) error {
	// Intake stops on graceful shutdown or on hard cancellation.
	intakeCtx, cancelIntake := context.WithCancel(ctx)
	defer cancelIntake()
	go func() {
		select {
		case <-p.stopCh:
			cancelIntake()
		case <-intakeCtx.Done():
		}
	}()

	// A hard cancellation closes the socket to unblock a pending read.
	unblock := context.AfterFunc(ctx, p.conn.Close)
	defer unblock()

	readerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(readerDone)
		p.readLoop(intakeCtx)
	})
	wg.Go(func() {
		p.processLoop(ctx, readerDone)
	})
	wg.Wait()

	return ctx.Err()
}

// readLoop is the reader stage: connect, read, enqueue, reconnect on error.
// It returns when intake is cancelled or the queue saturates.
func (p *Pipeline) readLoop(ctx context.Context) {
	defer p.conn.Close()

	if err := p.conn.Connect(ctx); err != nil {
		return
	}

	for ctx.Err() == nil {
		fresh := p.conn.Fresh()
		data, err := p.conn.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("read failed, reconnecting", "error", err)
			if err := p.conn.Connect(ctx); err != nil {
				return
			}
			continue
		}

		rec := RawRecord{
			Payload:    data,
			ReceivedAt: unixSeconds(p.now()),
			Fresh:      fresh,
		}

		// The queue's capacity is the only admission control: once it is
		// full the processor cannot keep pace, and buffering further would
		// hide data loss behind unbounded memory growth.
		select {
		case p.queue <- rec:
		default:
			p.logger.Error("queue is full, real-time data collection impossible, shutting down")
			p.Shutdown()
			return
		}
	}
}

// processLoop is the processor stage: dequeue, extract, buffer, flush.
// It exits when the reader has stopped and the queue is empty (graceful),
// or immediately when ctx is cancelled (hard).
func (p *Pipeline) processLoop(ctx context.Context, readerDone <-chan struct{}) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()

	for {
		// Exit only once no more records can arrive and none are queued, so
		// a graceful shutdown never drops an in-flight record. readerDone
		// closes strictly after the reader's last enqueue.
		select {
		case <-readerDone:
			if len(p.queue) == 0 {
				return
			}
		default:
		}

		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			p.process(rec)
		case <-timer.C:
		}
		timer.Reset(p.poll)
	}
}

// process handles one record end to end. All failure modes drop the record
// (or, for a persistence failure, one batch) and keep the pipeline going.
func (p *Pipeline) process(raw RawRecord) {
	payload := bytes.TrimSuffix(raw.Payload, []byte{p.delim})

	rec, err := p.extractor.Extract(payload, raw.ReceivedAt)
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrNoMatch) && raw.Fresh:
			// The first message after (re)connecting is often truncated.
			p.logger.Debug("possibly incomplete first message", "payload", raw.Payload)
		case errors.Is(err, extract.ErrNoMatch):
			p.logger.Error("cannot parse the message", "payload", raw.Payload)
		default:
			p.logger.Error("cannot convert extracted value", "error", err)
		}
		return
	}

	if err := p.buf.Put(rec); err != nil {
		p.logger.Error("cannot buffer the record", "error", err)
		return
	}

	for key, cols := range p.buf.Full() {
		path := p.template.Resolve(key, p.now().UTC())
		if err := p.writer.Flush(path, cols); err != nil {
			p.logger.Error("saving failed, batch lost",
				"error", err,
				"lost_records", p.buf.PackLength())
		} else {
			p.logger.Info("data saved", "path", path, "records", p.buf.PackLength())
		}
		// Clear regardless of outcome: data loss stays bounded to one batch.
		p.buf.Clear(key)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
