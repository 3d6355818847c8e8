// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay reprocesses votes whose votifier notification has not been
// delivered yet. It pulls pending votes from a backing store, attempts a
// full relay for each one, and writes the outcome back.
package relay

import (
	"context"
	"sync"

	"github.com/craftlist/craftlist/votifier"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	// defaultConcurrency is the number of relay attempts that are run at
	// once. The default is deliberately one: relaying sequentially
	// avoids hitting small Minecraft servers with simultaneous
	// connections and keeps the logs readable.
	defaultConcurrency = 1
)

// Pending is a vote awaiting relay, paired with the votifier target of the
// server it was cast for.
type Pending struct {
	// VoteID uniquely identifies the vote record in the store.
	VoteID string

	// Vote is the vote notification to deliver.
	Vote votifier.Vote

	// Target is the votifier endpoint of the voted for server.
	Target votifier.Target
}

// DB describes the store that owns the vote records. Implementations are
// expected to be safe for use by this package without additional locking.
type DB interface {
	// PendingRelays returns the votes whose relay has not succeeded
	// yet, each paired with its votifier target.
	PendingRelays() ([]Pending, error)

	// RecordOutcome records the outcome of a relay attempt for a vote.
	// Recording must be idempotent; a second outcome for the same vote
	// overwrites the first.
	RecordOutcome(voteID string, o votifier.Outcome) error
}

// Stats describes the result of one reprocessing run.
type Stats struct {
	// Processed is the number of pending votes a relay was attempted
	// for.
	Processed int

	// Successful is the number of votes that were delivered.
	Successful int

	// Failed is the number of votes whose relay attempt failed. These
	// stay pending and are retried on the next run.
	Failed int
}

// Opts includes configurable reprocessor options.
type Opts struct {
	// Concurrency is the maximum number of relay attempts that are run
	// at once. Defaults to 1, i.e. a plain sequential loop.
	Concurrency int
}

// Reprocessor relays pending votes. One vote's failure never aborts the
// batch; every attempted vote gets an outcome record.
type Reprocessor struct {
	client *votifier.Client
	db     DB
	opts   *Opts
}

// New returns a new vote relay reprocessor. The opts param can be used to
// override the default reprocessor settings.
func New(client *votifier.Client, db DB, opts *Opts) *Reprocessor {
	concurrency := defaultConcurrency
	// Override defaults if options are provided
	if opts != nil {
		if opts.Concurrency > 0 {
			concurrency = opts.Concurrency
		}
	}
	return &Reprocessor{
		client: client,
		db:     db,
		opts: &Opts{
			Concurrency: concurrency,
		},
	}
}

// ProcessPending relays every vote the store reports as pending and records
// the outcome of each attempt. Failed attempts record the error text as the
// response so operators can diagnose them; they do not stop the batch. An
// empty pending list returns zeroed stats without opening any connection.
//
// The returned error is only non nil when the pending list itself could not
// be retrieved; per vote failures are reflected in the stats.
func (r *Reprocessor) ProcessPending(ctx context.Context) (*Stats, error) {
	pending, err := r.db.PendingRelays()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(pending) == 0 {
		log.Debugf("No pending relays")
		return &Stats{}, nil
	}

	log.Infof("Reprocessing %v pending vote relays", len(pending))

	var (
		mtx   sync.Mutex
		stats = Stats{
			Processed: len(pending),
		}
	)
	record := func(p Pending, o votifier.Outcome) {
		mtx.Lock()
		if o.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		mtx.Unlock()

		// The outcome is recorded regardless of success or failure.
		// A record failure is logged and swallowed; the vote simply
		// stays pending and is retried on the next run.
		err := r.db.RecordOutcome(p.VoteID, o)
		if err != nil {
			log.Errorf("RecordOutcome %v: %v", p.VoteID, err)
		}
	}

	if r.opts.Concurrency <= 1 {
		// Sequential relay, one vote at a time.
		for _, p := range pending {
			record(p, r.client.Relay(ctx, p.Vote, p.Target))
		}
		return &stats, nil
	}

	// Bounded concurrent relay. Per target ordering is not promised in
	// either mode.
	var (
		sem = semaphore.NewWeighted(int64(r.opts.Concurrency))
		wg  sync.WaitGroup
	)
	for _, p := range pending {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			// The context was canceled; votes that were never
			// attempted count as failures for this run and stay
			// pending.
			mtx.Lock()
			stats.Failed++
			mtx.Unlock()
			continue
		}
		wg.Add(1)
		go func(p Pending) {
			defer wg.Done()
			defer sem.Release(1)
			record(p, r.client.Relay(ctx, p.Vote, p.Target))
		}(p)
	}
	wg.Wait()

	return &stats, nil
}
