package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"depthforge/internal/frames"
)

// Provider yields batches for one pass over a split.
type Provider interface {
	// Batches starts a pass. The bundle channel closes at the end of the pass;
	// the error channel carries at most one error.
	Batches(ctx context.Context) (<-chan *frames.Bundle, <-chan error)
	// Len is the number of batches one pass yields.
	Len() int
}

// LoaderOptions configures a shard loader.
type LoaderOptions struct {
	Roots      map[string][]string
	Decoder    *Decoder
	BatchSize  int
	NumWorkers int
	PendingCap int
	// Shuffle permutes shard order per pass and mixes samples through a
	// buffer of ShuffleBuffer examples.
	Shuffle       bool
	Seed          int64
	ShuffleBuffer int
	DropLast      bool
}

// Loader streams WebDataset shards through a worker pool and collates
// decoded examples into bundles.
type Loader struct {
	opts    LoaderOptions
	samples int
	passes  atomic.Int64
}

const defaultShuffleBuffer = 256

// NewLoader validates opts and counts the samples of every shard.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("loader: no dataset roots provided")
	}
	if opts.Decoder == nil {
		return nil, errors.New("loader: decoder required")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size %d", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.ShuffleBuffer <= 0 {
		opts.ShuffleBuffer = defaultShuffleBuffer
	}
	l := &Loader{opts: opts}
	for _, shards := range opts.Roots {
		for _, shard := range shards {
			n, err := CountSamples(shard)
			if err != nil {
				return nil, fmt.Errorf("loader: %w", err)
			}
			l.samples += n
		}
	}
	if l.samples == 0 {
		return nil, errors.New("loader: no samples in shards")
	}
	return l, nil
}

// Samples returns the number of samples per pass.
func (l *Loader) Samples() int { return l.samples }

// Len returns the number of batches per pass.
func (l *Loader) Len() int {
	if l.opts.DropLast {
		return l.samples / l.opts.BatchSize
	}
	return (l.samples + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches runs one pass. Without Shuffle every pass yields the same batches
// in the same order regardless of NumWorkers.
func (l *Loader) Batches(parent context.Context) (<-chan *frames.Bundle, <-chan error) {
	pass := l.passes.Add(1) - 1
	var rng *rand.Rand
	if l.opts.Shuffle {
		rng = rand.New(rand.NewSource(l.opts.Seed + pass))
	}
	order := buildRoundRobinOrder(l.opts.Roots, rng)

	ctx, cancel := context.WithCancel(parent)
	jobs := make(chan shardJob, l.opts.NumWorkers)
	cursors := make(chan shardCursor, l.opts.NumWorkers)
	out := make(chan *frames.Bundle, 1)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker(ctx, jobs, cursors)
		}()
	}
	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		b := &batcher{ctx: ctx, out: out, dec: l.opts.Decoder, size: l.opts.BatchSize, dropLast: l.opts.DropLast}
		emit := b.add
		var shuf *shuffler
		if rng != nil && l.opts.ShuffleBuffer > 1 {
			shuf = &shuffler{rng: rng, cap: l.opts.ShuffleBuffer, next: b.add}
			emit = shuf.add
		}
		err := runAggregator(ctx, cursors, emit)
		if err == nil && shuf != nil {
			err = shuf.flush()
		}
		if err == nil {
			err = b.flush()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return out, errCh
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id       int64
	examples <-chan *Example
	errCh    <-chan error
}

const cursorPrefetch = 8

func (l *Loader) worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			examples := make(chan *Example, cursorPrefetch)
			errc := make(chan error, 1)
			select {
			case <-ctx.Done():
				return
			case cursors <- shardCursor{id: job.id, examples: examples, errCh: errc}:
			}
			l.decodeShard(ctx, job, examples, errc)
		}
	}
}

func (l *Loader) decodeShard(ctx context.Context, job shardJob, examples chan<- *Example, errc chan<- error) {
	defer close(errc)
	defer close(examples)
	samples, serr := StreamShard(ctx, job.path, l.opts.PendingCap)
	for s := range samples {
		ex, err := l.opts.Decoder.Decode(s)
		if err != nil {
			errc <- fmt.Errorf("%s: %w", job.path, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case examples <- ex:
		}
	}
	if err := <-serr; err != nil {
		errc <- err
	}
}

// runAggregator forwards examples shard by shard in job order.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, emit func(*Example) error) error {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					return nil
				}
				pending[c.id] = c
			}
			continue
		}

		for ex := range cursor.examples {
			if err := emit(ex); err != nil {
				return err
			}
		}
		if err := <-cursor.errCh; err != nil {
			return err
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, order []orderEntry) {
	defer close(jobs)
	for i, entry := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: int64(i), root: entry.root, path: entry.path}:
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder interleaves shards across roots. A nil rng keeps each
// root's shards in lexical order.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			s := copied[root]
			rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}

// shuffler holds up to cap examples and releases a random one per arrival.
type shuffler struct {
	rng  *rand.Rand
	cap  int
	buf  []*Example
	next func(*Example) error
}

func (s *shuffler) add(ex *Example) error {
	if len(s.buf) < s.cap {
		s.buf = append(s.buf, ex)
		return nil
	}
	i := s.rng.Intn(len(s.buf))
	out := s.buf[i]
	s.buf[i] = ex
	return s.next(out)
}

func (s *shuffler) flush() error {
	s.rng.Shuffle(len(s.buf), func(i, j int) { s.buf[i], s.buf[j] = s.buf[j], s.buf[i] })
	for _, ex := range s.buf {
		if err := s.next(ex); err != nil {
			return err
		}
	}
	s.buf = nil
	return nil
}

type batcher struct {
	ctx      context.Context
	out      chan<- *frames.Bundle
	dec      *Decoder
	size     int
	dropLast bool
	buf      []*Example
}

func (b *batcher) add(ex *Example) error {
	b.buf = append(b.buf, ex)
	if len(b.buf) < b.size {
		return nil
	}
	return b.send()
}

func (b *batcher) flush() error {
	if len(b.buf) == 0 || b.dropLast {
		return nil
	}
	return b.send()
}

func (b *batcher) send() error {
	bundle, err := Collate(b.buf, b.dec)
	if err != nil {
		return err
	}
	b.buf = nil
	select {
	case <-b.ctx.Done():
		return b.ctx.Err()
	case b.out <- bundle:
		return nil
	}
}
