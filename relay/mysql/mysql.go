// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/relay"
	"github.com/craftlist/craftlist/votifier"
	"github.com/google/uuid"
)

const (
	// defaultTableName is the default table name for the votes table.
	defaultTableName = "votes"

	// defaultOpTimeout is the default timeout for a single database
	// operation.
	defaultOpTimeout = 1 * time.Minute
)

// tableVotes defines the votes table.
//
// The votifier target columns are denormalized from the listed server entity
// so that the relay subsystem does not depend on the directory schema, which
// is owned by the web layer. votifier_sent stays 0 until a relay attempt
// succeeds; votifier_response holds the raw server reply or the failure
// description of the most recent attempt.
const tableVotes = `
  id                CHAR(36) NOT NULL PRIMARY KEY,
  username          VARCHAR(16) NOT NULL,
  ip                VARCHAR(45) NOT NULL,
  created_at        BIGINT NOT NULL,
  votifier_host     VARCHAR(255) NOT NULL,
  votifier_port     INT UNSIGNED NOT NULL,
  votifier_token    VARCHAR(255) NOT NULL,
  votifier_sent     TINYINT(1) NOT NULL DEFAULT 0,
  votifier_response TEXT NOT NULL
`

// Opts includes configurable options for the votes database.
type Opts struct {
	// TableName is the table name for the votes table. Defaults to
	// "votes".
	TableName string

	// OpTimeout is the timeout for a single database operation. Defaults
	// to 1 minute.
	OpTimeout time.Duration
}

var (
	_ relay.DB = (*mysql)(nil)
)

// mysql implements the relay.DB interface.
type mysql struct {
	// db is the mysql DB context.
	db *sql.DB

	// opts includes the votes database options.
	opts *Opts
}

// ctxForOp returns a context and cancel function for a single database
// operation. It uses the database operation timeout set on the mysql
// context.
func (m *mysql) ctxForOp() (context.Context, func()) {
	return context.WithTimeout(context.Background(), m.opts.OpTimeout)
}

// InsertVote saves a new vote awaiting relay to the database and returns the
// vote record ID.
func (m *mysql) InsertVote(vote votifier.Vote, target votifier.Target) (string, error) {
	voteID := uuid.New().String()

	log.Tracef("InsertVote: %v", voteID)

	ctx, cancel := m.ctxForOp()
	defer cancel()

	q := fmt.Sprintf(`INSERT INTO %v
  (id, username, ip, created_at, votifier_host, votifier_port,
  votifier_token, votifier_sent, votifier_response)
  VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`, m.opts.TableName)
	_, err := m.db.ExecContext(ctx, q, voteID, vote.Username, vote.Address,
		vote.Timestamp, target.Host, target.Port, target.Token)
	if err != nil {
		return "", err
	}

	return voteID, nil
}

// PendingRelays returns the votes whose relay has not succeeded yet, each
// paired with its votifier target.
//
// PendingRelays satisfies the relay.DB interface.
func (m *mysql) PendingRelays() ([]relay.Pending, error) {
	log.Tracef("PendingRelays")

	ctx, cancel := m.ctxForOp()
	defer cancel()

	q := fmt.Sprintf(`SELECT id, username, ip, created_at, votifier_host,
  votifier_port, votifier_token FROM %v
  WHERE votifier_sent = 0`, m.opts.TableName)
	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []relay.Pending
	for rows.Next() {
		var p relay.Pending
		err := rows.Scan(&p.VoteID, &p.Vote.Username, &p.Vote.Address,
			&p.Vote.Timestamp, &p.Target.Host, &p.Target.Port,
			&p.Target.Token)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pending, nil
}

// RecordOutcome records the outcome of a relay attempt for a vote. Recording
// is last write wins; a second outcome for the same vote overwrites the
// first. Recording an outcome for a vote that does not exist is not an
// error.
//
// RecordOutcome satisfies the relay.DB interface.
func (m *mysql) RecordOutcome(voteID string, o votifier.Outcome) error {
	log.Tracef("RecordOutcome: %v %v", voteID, o.Success)

	ctx, cancel := m.ctxForOp()
	defer cancel()

	q := fmt.Sprintf(`UPDATE %v
  SET votifier_sent = ?, votifier_response = ?
  WHERE id = ?`, m.opts.TableName)
	_, err := m.db.ExecContext(ctx, q, o.Success, o.Response, voteID)
	if err != nil {
		return err
	}

	return nil
}

// New returns a new mysql context that implements the relay DB interface.
// The opts param can be used to override the default mysql context settings.
func New(db *sql.DB, opts *Opts) (*mysql, error) {
	// Setup database options.
	tableName := defaultTableName
	opTimeout := defaultOpTimeout
	// Override defaults if options are provided
	if opts != nil {
		if opts.TableName != "" {
			tableName = opts.TableName
		}
		if opts.OpTimeout != 0 {
			opTimeout = opts.OpTimeout
		}
	}

	// Create mysql context
	m := mysql{
		db: db,
		opts: &Opts{
			TableName: tableName,
			OpTimeout: opTimeout,
		},
	}

	ctx, cancel := m.ctxForOp()
	defer cancel()

	// Create votes table
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %v (%v)`,
		m.opts.TableName, tableVotes)
	_, err := db.ExecContext(ctx, q)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
