// Package notify fans committed samples out to external consumers such as
// nurse-station dashboards.
package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cpapsync/internal/store"
)

// Publisher announces a committed sample.
type Publisher interface {
	Publish(ctx context.Context, s store.Sample) error
}

// RedisPublisher appends one stream entry per committed sample. Entries
// carry the summary metrics only; consumers fetch the waveform over HTTP.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher publishes to stream, trimming it to roughly maxLen
// entries when maxLen > 0.
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, s store.Sample) error {
	values := map[string]interface{}{
		"room":           strconv.Itoa(s.RoomNumber),
		"mrn":            strconv.FormatInt(s.MRN, 10),
		"sample_id":      strconv.FormatUint(s.ID, 10),
		"timestamp":      s.Timestamp.Format(time.RFC3339Nano),
		"pressure":       strconv.FormatFloat(s.PressureCmH2O, 'f', -1, 64),
		"breathing_rate": "",
		"apnea_count":    strconv.Itoa(s.ApneaCount),
		"leak":           strconv.FormatFloat(s.LeakEstimate, 'f', -1, 64),
	}
	if s.RateAvailable {
		values["breathing_rate"] = strconv.FormatFloat(s.BreathingRate, 'f', -1, 64)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: values,
	}).Err()
}

// Queue hands committed samples to a single background publisher so the
// store never holds a room lock across network I/O. Samples are published
// in the order the store committed them. Publishing is best effort: a
// failure is logged and never undoes the commit.
type Queue struct {
	pub     Publisher
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	ch     chan store.Sample
	done   chan struct{}
}

// NewQueue starts the publisher goroutine. size bounds the number of
// samples waiting to be published; timeout bounds each Publish call.
func NewQueue(p Publisher, size int, timeout time.Duration, log *zap.Logger) *Queue {
	q := &Queue{
		pub:     p,
		timeout: timeout,
		log:     log,
		ch:      make(chan store.Sample, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Hook is a store commit hook. It never blocks: when the queue is full or
// closed the sample is dropped with a warning.
func (q *Queue) Hook(_ context.Context, s store.Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop(s, "publish queue closed")
		return
	}
	select {
	case q.ch <- s:
	default:
		q.drop(s, "publish queue full")
	}
}

// Close stops accepting samples and waits until the queued ones have been
// published or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for s := range q.ch {
		q.publish(s)
	}
}

func (q *Queue) publish(s store.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.pub.Publish(ctx, s); err != nil {
		q.log.Warn("publish sample failed",
			zap.Uint64("sample_id", s.ID),
			zap.Int("room", s.RoomNumber),
			zap.Error(err))
	}
}

func (q *Queue) drop(s store.Sample, reason string) {
	q.log.Warn(reason+", sample dropped",
		zap.Uint64("sample_id", s.ID),
		zap.Int("room", s.RoomNumber))
}
