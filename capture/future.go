package capture

import (
	"context"
	"sync"
)

// Future is the pending result of a CompleteSession call.
type Future struct {
	sessionID string
	done      chan struct{}
	once      sync.Once
	res       *ArtifactResult
	err       error
}

func newFuture(sessionID string) *Future {
	return &Future{sessionID: sessionID, done: make(chan struct{})}
}

// SessionID returns the id of the session being completed.
func (f *Future) SessionID() string { return f.sessionID }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the pipeline finishes or ctx is done. Cancelling ctx
// abandons the wait only; the pipeline keeps running.
func (f *Future) Wait(ctx context.Context) (*ArtifactResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(res *ArtifactResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}
