package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"starhunt.gg/internal/star"
	"starhunt.gg/internal/transport/rest"
)

// fallback pushes local updates over the legacy REST endpoints while the
// relay session is down. Requests run off the tick goroutine; a failed batch
// is dropped and the next update tries again.
type fallback struct {
	client  *rest.Client
	timeout time.Duration
	log     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[star.Key]star.Record
	depleted map[star.Key]bool
	flushing bool
	polling  bool
}

func newFallback(c *rest.Client, timeout time.Duration, logger *log.Logger) *fallback {
	ctx, cancel := context.WithCancel(context.Background())
	return &fallback{
		client:   c,
		timeout:  timeout,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[star.Key]star.Record{},
		depleted: map[star.Key]bool{},
	}
}

func (f *fallback) enqueue(r star.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx.Err() != nil {
		return
	}
	k := r.Key()
	f.pending[k] = r
	if !r.Active {
		f.depleted[k] = true
	} else {
		delete(f.depleted, k)
	}
	if !f.flushing {
		f.flushing = true
		f.wg.Add(1)
		go f.flush()
	}
}

func (f *fallback) flush() {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		if len(f.pending) == 0 || f.ctx.Err() != nil {
			f.flushing = false
			f.mu.Unlock()
			return
		}
		batch := make([]star.Record, 0, len(f.pending))
		for _, r := range f.pending {
			batch = append(batch, r)
		}
		gone := make([]star.Key, 0, len(f.depleted))
		for k := range f.depleted {
			gone = append(gone, k)
		}
		f.pending = map[star.Key]star.Record{}
		f.depleted = map[star.Key]bool{}
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		if err := f.client.Push(ctx, batch); err != nil {
			f.log.Printf("legacy: push %d stars: %v", len(batch), err)
		}
		for _, k := range gone {
			if err := f.client.ReportDepleted(ctx, k); err != nil {
				f.log.Printf("legacy: report depleted %s: %v", k, err)
			}
		}
		cancel()
	}
}

// poll fetches the remote collection once, unless a fetch is already running.
func (f *fallback) poll(ingest func(star.Record)) {
	f.mu.Lock()
	if f.polling || f.ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	f.polling = true
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			f.polling = false
			f.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		defer cancel()
		recs, err := f.client.Fetch(ctx)
		if err != nil {
			f.log.Printf("legacy: fetch: %v", err)
			return
		}
		for _, r := range recs {
			ingest(r)
		}
	}()
}

func (f *fallback) close() {
	f.mu.Lock()
	f.cancel()
	f.mu.Unlock()
	f.wg.Wait()
}
