package strategy

import (
	"context"
	"sync"
)

// Background runs detached tasks that outlive the request that started them.
// Tasks see the request's values but not its cancellation; they are cancelled
// only by Close.
type Background struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewBackground returns a spawner. TryGo drops tasks once limit are in
// flight; a limit of zero never drops.
func NewBackground(limit int) *Background {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Background{ctx: ctx, cancel: cancel}
	if limit > 0 {
		b.sem = make(chan struct{}, limit)
	}
	return b
}

func (b *Background) detach(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(b.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Go always runs fn.
func (b *Background) Go(parent context.Context, fn func(ctx context.Context)) {
	ctx, cancel := b.detach(parent)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		fn(ctx)
	}()
}

// TryGo runs fn unless the limit is reached, and reports whether it did.
func (b *Background) TryGo(parent context.Context, fn func(ctx context.Context)) bool {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
		default:
			return false
		}
	}
	ctx, cancel := b.detach(parent)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		if b.sem != nil {
			defer func() { <-b.sem }()
		}
		fn(ctx)
	}()
	return true
}

// Wait blocks until every task started so far has finished.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Close cancels running tasks and waits for them.
func (b *Background) Close() {
	b.cancel()
	b.wg.Wait()
}
