// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// ErrCommitterClosed reports an enqueue after Close.
var ErrCommitterClosed = errors.New("transcript committer closed")

// AlertFunc is invoked when a turn exhausts its retries. Implementations
// must not block; the committer calls it inline.
type AlertFunc func(sessionID string, err error)

// CommitterConfig controls queueing and retry behavior.
type CommitterConfig struct {
	// QueueSize bounds pending turns. Zero means 64.
	QueueSize int

	// MaxRetries is the number of commit attempts per turn. Zero means 5.
	MaxRetries int

	// BaseBackoff is the first retry delay, doubled per attempt up to
	// MaxBackoff. Zeros mean 100ms and 5s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnGiveUp fires after the final failed attempt. The turn is dropped
	// from the queue; operators must intervene from the alert.
	OnGiveUp AlertFunc

	// OnRetry fires before each retry sleep. Used by metrics.
	OnRetry func(sessionID string, attempt int, err error)

	Logger *slog.Logger
}

func (c CommitterConfig) withDefaults() CommitterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Committer commits turns to the store off the request path.
//
// # Description
//
// The stream handler enqueues the finished turn and returns; durability no
// longer depends on the client connection. A failed commit is retried with
// exponential backoff, and because every store write is idempotent a retry
// after a partial commit simply fills in the missing rows. When retries are
// exhausted the turn is surfaced through OnGiveUp.
//
// # Thread Safety
//
// Enqueue is safe from any goroutine. One worker drains the queue, so
// commits for the same session never race each other.
type Committer struct {
	store *Store
	cfg   CommitterConfig

	mu     sync.Mutex
	closed bool

	// onCommitted has its own lock: the worker reads it while Enqueue may
	// be blocked on a full queue holding mu.
	hookMu      sync.Mutex
	onCommitted func(sessionID string, lastSeq uint64)

	jobs    chan datatypes.TurnRecord
	pending sync.WaitGroup
	done    chan struct{}
}

// NewCommitter starts the worker goroutine.
func NewCommitter(store *Store, cfg CommitterConfig) *Committer {
	cfg = cfg.withDefaults()
	c := &Committer{
		store: store,
		cfg:   cfg,
		jobs:  make(chan datatypes.TurnRecord, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Enqueue hands a turn to the committer. Blocks while the queue is full.
// The send happens under the mutex so Close can never close the channel
// between the closed check and the send.
func (c *Committer) Enqueue(rec datatypes.TurnRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCommitterClosed
	}
	c.pending.Add(1)
	c.jobs <- rec
	return nil
}

// SetOnCommitted installs a callback invoked after each turn commits
// durably, with the last event sequence the commit covered. Install before
// the first Enqueue.
func (c *Committer) SetOnCommitted(fn func(sessionID string, lastSeq uint64)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onCommitted = fn
}

func (c *Committer) committedHook() func(string, uint64) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.onCommitted
}

func (c *Committer) run() {
	defer close(c.done)
	for rec := range c.jobs {
		if err := c.commitWithRetry(rec); err == nil {
			if fn := c.committedHook(); fn != nil && len(rec.Events) > 0 {
				fn(rec.SessionID, rec.Events[len(rec.Events)-1].Seq)
			}
		}
		c.pending.Done()
	}
}

func (c *Committer) commitWithRetry(rec datatypes.TurnRecord) error {
	backoff := c.cfg.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		lastErr = c.store.CommitTurn(context.Background(), rec)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrSequenceGap) {
			// Retrying will not fill a gap; alert immediately.
			break
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(rec.SessionID, attempt, lastErr)
		}
		c.cfg.Logger.Warn("turn commit failed, retrying",
			"session_id", rec.SessionID,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr,
		)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	c.cfg.Logger.Error("turn commit abandoned",
		"session_id", rec.SessionID,
		"error", lastErr,
	)
	if c.cfg.OnGiveUp != nil {
		c.cfg.OnGiveUp(rec.SessionID, lastErr)
	}
	return lastErr
}

// Flush blocks until every turn enqueued so far has been committed or
// abandoned, or ctx expires.
func (c *Committer) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting turns, drains the queue, and waits for the worker.
func (c *Committer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	<-c.done
	return nil
}
