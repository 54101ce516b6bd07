// Package realtime tails store tables as ordered change feeds.
//
// Each table row carries a store-assigned seq. Stores that allocate seq
// before commit can make a lower seq visible after a higher one, so a Tail
// keeps re-reading rows above a low watermark until they have been
// observed for the settle window. Every insert matching the filter that
// commits within that window is seen once per stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Default tail settings.
const (
	DefaultPollInterval = time.Second
	DefaultBuffer       = 64
	DefaultBatchSize    = 256
	DefaultSettle       = 5 * time.Second
)

// ErrClosed is reported when a stream is read after Close.
var ErrClosed = errors.New("realtime: stream closed")

// Row is a stored record with a store arrival position.
type Row interface {
	Cursor() uint
}

// Filter is a GORM where clause restricting which rows a tail delivers.
type Filter struct {
	Query string
	Args  []interface{}
}

// TailOpts holds parameters for Tail.
type TailOpts struct {
	Filter       Filter
	After        uint          // start cursor; ignored when FromLatest is set
	FromLatest   bool          // skip rows already in the store
	PollInterval time.Duration // defaults to DefaultPollInterval
	Buffer       int           // defaults to DefaultBuffer
	BatchSize    int           // defaults to DefaultBatchSize
	Settle       time.Duration // how long a late lower seq is still picked up; defaults to DefaultSettle
}

// Stream is a single-consumer feed of inserted rows. When the underlying
// query fails the error is sent on Err and C is closed.
type Stream[T Row] struct {
	c      chan T
	errc   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	cursor uint

	// Owned by the poll goroutine.
	low  uint               // every row at or below low has been delivered or given up on
	seen map[uint]time.Time // delivered seqs above low, with when they were first read
}

// C returns the channel of delivered rows.
func (s *Stream[T]) C() <-chan T { return s.c }

// Err returns a channel that receives at most one transport error.
func (s *Stream[T]) Err() <-chan error { return s.errc }

// Cursor returns the highest seq delivered so far.
func (s *Stream[T]) Cursor() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops polling and waits for the stream goroutine to exit.
// Calling Close more than once is a no-op.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Tail starts polling the table of T for rows matching opts.Filter.
func Tail[T Row](ctx context.Context, db *gorm.DB, opts TailOpts) (*Stream[T], error) {
	if db == nil {
		return nil, fmt.Errorf("realtime: db is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	cursor := opts.After
	if opts.FromLatest {
		latest, err := latestCursor[T](ctx, db, opts.Filter)
		if err != nil {
			return nil, err
		}
		cursor = latest
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		c:      make(chan T, buffer),
		errc:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: cursor,
		low:    cursor,
		seen:   make(map[uint]time.Time),
	}

	go s.run(ctx, db, opts.Filter, poll, batch, settle)
	return s, nil
}

func (s *Stream[T]) run(ctx context.Context, db *gorm.DB, filter Filter, poll time.Duration, batch int, settle time.Duration) {
	defer close(s.done)
	defer close(s.c)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.poll(ctx, db, filter, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.errc <- fmt.Errorf("realtime: poll: %w", err)
			return
		}
		s.advance(time.Now(), settle)
	}
}

// poll delivers every unseen row above the low watermark, paging through
// full batches.
func (s *Stream[T]) poll(ctx context.Context, db *gorm.DB, filter Filter, batch int) error {
	now := time.Now()
	from := s.low
	for {
		rows, err := s.fetch(ctx, db, filter, from, batch)
		if err != nil {
			return err
		}
		for _, row := range rows {
			seq := row.Cursor()
			from = seq
			if _, ok := s.seen[seq]; ok {
				continue
			}
			select {
			case s.c <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.seen[seq] = now
			s.mu.Lock()
			if seq > s.cursor {
				s.cursor = seq
			}
			s.mu.Unlock()
		}
		if len(rows) < batch {
			return nil
		}
	}
}

// advance raises the low watermark to the highest seq read at least settle
// ago. A lower seq that commits after that is not delivered.
func (s *Stream[T]) advance(now time.Time, settle time.Duration) {
	for seq, first := range s.seen {
		if seq > s.low && now.Sub(first) >= settle {
			s.low = seq
		}
	}
	for seq := range s.seen {
		if seq <= s.low {
			delete(s.seen, seq)
		}
	}
}

func (s *Stream[T]) fetch(ctx context.Context, db *gorm.DB, filter Filter, after uint, batch int) ([]T, error) {
	q := db.WithContext(ctx).Model(new(T)).Where("seq > ?", after)
	if filter.Query != "" {
		q = q.Where(filter.Query, filter.Args...)
	}
	var rows []T
	if err := q.Order("seq ASC").Limit(batch).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// latestCursor returns the highest seq currently stored for the filter.
func latestCursor[T Row](ctx context.Context, db *gorm.DB, filter Filter) (uint, error) {
	q := db.WithContext(ctx).Model(new(T))
	if filter.Query != "" {
		q = q.Where(filter.Query, filter.Args...)
	}
	var latest uint
	if err := q.Select("COALESCE(MAX(seq), 0)").Scan(&latest).Error; err != nil {
		return 0, fmt.Errorf("realtime: latest cursor: %w", err)
	}
	return latest, nil
}
