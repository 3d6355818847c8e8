// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/craftlist/craftlist/relay"
	"github.com/craftlist/craftlist/votifier"
	"github.com/go-test/deep"
	"github.com/google/uuid"
)

// newTestMySQL returns a mysql context that has been setup for testing along
// with the sql mocking context and a cleanup function. Invocation of the
// cleanup function should be deferred by the caller.
func newTestMySQL(t *testing.T) (*mysql, sqlmock.Sqlmock, func()) {
	t.Helper()

	// sqlmock defaults to using the expected SQL string as a regular
	// expression to match incoming query strings. The QueryMatcherEqual
	// overrides this default behavior and does a full case sensitive
	// match.
	opts := sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual)
	db, mock, err := sqlmock.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	cleanup := func() {
		defer db.Close()
	}
	m := &mysql{
		db: db,
		opts: &Opts{
			TableName: defaultTableName,
			OpTimeout: defaultOpTimeout,
		},
	}

	return m, mock, cleanup
}

var (
	testVote = votifier.Vote{
		Username:  "Herobrine",
		Address:   "203.0.113.99",
		Timestamp: 1716020000,
	}
	testTarget = votifier.Target{
		Host:  "mc.example.org",
		Port:  8192,
		Token: "shared-secret",
	}
)

func TestInsertVote(t *testing.T) {
	m, mock, cleanup := newTestMySQL(t)
	defer cleanup()

	q := `INSERT INTO %v
  (id, username, ip, created_at, votifier_host, votifier_port,
  votifier_token, votifier_sent, votifier_response)
  VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`

	q = fmt.Sprintf(q, m.opts.TableName)

	// Test the unexpected error path
	unexpectedErr := errors.New("unexpected error")
	mock.ExpectExec(q).
		WithArgs(AnyUUID{}, testVote.Username, testVote.Address,
			testVote.Timestamp, testTarget.Host, testTarget.Port,
			testTarget.Token).
		WillReturnError(unexpectedErr)

	_, err := m.InsertVote(testVote, testTarget)
	if !errors.Is(err, unexpectedErr) {
		t.Errorf("got err '%v', want '%v'", err, unexpectedErr)
	}

	// Test the success path
	mock.ExpectExec(q).
		WithArgs(AnyUUID{}, testVote.Username, testVote.Address,
			testVote.Timestamp, testTarget.Host, testTarget.Port,
			testTarget.Token).
		WillReturnResult(sqlmock.NewResult(0, 1))

	voteID, err := m.InsertVote(testVote, testTarget)
	if err != nil {
		t.Error(err)
	}
	if _, err := uuid.Parse(voteID); err != nil {
		t.Errorf("got vote ID %q, want a uuid", voteID)
	}
}

func TestPendingRelays(t *testing.T) {
	m, mock, cleanup := newTestMySQL(t)
	defer cleanup()

	q := `SELECT id, username, ip, created_at, votifier_host,
  votifier_port, votifier_token FROM %v
  WHERE votifier_sent = 0`

	q = fmt.Sprintf(q, m.opts.TableName)

	// Test the unexpected error path
	unexpectedErr := errors.New("unexpected error")
	mock.ExpectQuery(q).
		WillReturnError(unexpectedErr)

	_, err := m.PendingRelays()
	if !errors.Is(err, unexpectedErr) {
		t.Errorf("got err '%v', want '%v'", err, unexpectedErr)
	}

	// Test the success path
	voteID := uuid.New().String()
	columns := []string{
		"id", "username", "ip", "created_at", "votifier_host",
		"votifier_port", "votifier_token",
	}
	rows := sqlmock.NewRows(columns).
		AddRow(voteID, testVote.Username, testVote.Address,
			testVote.Timestamp, testTarget.Host, testTarget.Port,
			testTarget.Token)
	mock.ExpectQuery(q).
		WillReturnRows(rows)

	pending, err := m.PendingRelays()
	if err != nil {
		t.Fatal(err)
	}
	want := []relay.Pending{
		{
			VoteID: voteID,
			Vote:   testVote,
			Target: testTarget,
		},
	}
	if diff := deep.Equal(pending, want); diff != nil {
		t.Errorf("unexpected pending relays: %v", diff)
	}

	// Test the empty pending list path
	mock.ExpectQuery(q).
		WillReturnRows(sqlmock.NewRows(columns))

	pending, err = m.PendingRelays()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %v pending relays, want 0", len(pending))
	}
}

func TestRecordOutcome(t *testing.T) {
	m, mock, cleanup := newTestMySQL(t)
	defer cleanup()

	q := `UPDATE %v
  SET votifier_sent = ?, votifier_response = ?
  WHERE id = ?`

	q = fmt.Sprintf(q, m.opts.TableName)

	voteID := uuid.New().String()

	// Test the unexpected error path
	unexpectedErr := errors.New("unexpected error")
	mock.ExpectExec(q).
		WithArgs(false, "connect failure: connection refused", voteID).
		WillReturnError(unexpectedErr)

	err := m.RecordOutcome(voteID, votifier.Outcome{
		Success:  false,
		Response: "connect failure: connection refused",
	})
	if !errors.Is(err, unexpectedErr) {
		t.Errorf("got err '%v', want '%v'", err, unexpectedErr)
	}

	// Recording is last write wins; a second outcome for the same vote
	// simply overwrites the first.
	outcomes := []votifier.Outcome{
		{Success: false, Response: "timeout after 5000ms"},
		{Success: true, Response: "ok"},
	}
	for _, o := range outcomes {
		mock.ExpectExec(q).
			WithArgs(o.Success, o.Response, voteID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := m.RecordOutcome(voteID, o)
		if err != nil {
			t.Error(err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// AnyUUID can be passed in as a sqlmock prepared statement argument when the
// caller knows that the argument will be a uuid string, but does not know
// what the exact value of the uuid will be.
type AnyUUID struct{}

// Match satisfies sqlmock Argument interface.
func (a AnyUUID) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
