package tokenmgr

import (
	"context"
	"sync"
)

// inflight coalesces concurrent refresh calls per project. Followers wait
// for the leader's result or their own context.
type inflight struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	wg    sync.WaitGroup
	token string
	err   error
}

func newInflight() *inflight {
	return &inflight{flights: make(map[string]*flight)}
}

func (i *inflight) do(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	if key == "" {
		return fn(ctx)
	}
	i.mu.Lock()
	if f := i.flights[key]; f != nil {
		i.mu.Unlock()
		done := make(chan struct{})
		go func() { f.wg.Wait(); close(done) }()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-done:
			return f.token, f.err
		}
	}
	f := &flight{}
	f.wg.Add(1)
	i.flights[key] = f
	i.mu.Unlock()

	f.token, f.err = fn(ctx)
	f.wg.Done()

	i.mu.Lock()
	delete(i.flights, key)
	i.mu.Unlock()
	return f.token, f.err
}
