// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// sessionState represents a state of the relay session state machine.
//
//	connecting -> awaitingHandshake -> encoding -> awaitingConfirmation
//
// A session in any state moves directly to resolved(failure) on a socket
// error, a close before the handshake, or deadline expiry.
type sessionState uint32

const (
	stateConnecting sessionState = iota
	stateAwaitingHandshake
	stateEncoding
	stateAwaitingConfirmation
)

var sessionStates = map[sessionState]string{
	stateConnecting:           "connecting",
	stateAwaitingHandshake:    "awaiting handshake",
	stateEncoding:             "encoding",
	stateAwaitingConfirmation: "awaiting confirmation",
}

func (s sessionState) String() string {
	return sessionStates[s]
}

// session owns one TCP socket for the duration of a single relay attempt.
// Sessions are never shared or pooled; one is created per attempt and
// discarded when the attempt resolves.
type session struct {
	client *Client
	vote   Vote
	target Target

	state    sessionState
	start    time.Time
	deadline time.Time
	conn     net.Conn
	br       *bufio.Reader
}

// Relay performs a single relay attempt against the target and resolves it
// to exactly one Outcome. All failures, including panic-worthy conditions
// like writing to a socket the remote already closed, are converted into a
// failed Outcome; Relay never returns an error to the caller.
func (c *Client) Relay(ctx context.Context, vote Vote, target Target) Outcome {
	s := session{
		client: c,
		vote:   vote,
		target: target,
		state:  stateConnecting,
		start:  time.Now(),
	}
	s.deadline = s.start.Add(c.opts.Timeout)

	response, err := s.run(ctx)
	duration := time.Since(s.start)
	if err != nil {
		// Convert the failure into an outcome. The error text is
		// recorded as the response so operators can diagnose the
		// failed relay.
		err = s.normalizeErr(err)
		log.Debugf("Relay %v@%v:%v failed in %v state: %v",
			vote.Username, target.Host, target.Port, s.state, err)
		return Outcome{
			Success:  false,
			Response: err.Error(),
			Duration: duration,
		}
	}

	log.Debugf("Relay %v@%v:%v succeeded in %v",
		vote.Username, target.Host, target.Port, duration)
	return Outcome{
		Success:  true,
		Response: response,
		Duration: duration,
	}
}

// run drives the session state machine. It returns the confirmation text on
// success. The session socket, if one was opened, is forcibly closed before
// run returns.
func (s *session) run(ctx context.Context) (string, error) {
	// Reject malformed input before any connection is opened.
	if err := s.vote.verify(); err != nil {
		return "", RelayError{Code: ErrCodeVoteInvalid, Err: err}
	}
	if err := s.target.verify(); err != nil {
		return "", RelayError{Code: ErrCodeVoteInvalid, Err: err}
	}

	// Connecting. Connection failures surface the underlying OS error
	// verbatim.
	addr := net.JoinHostPort(s.target.Host,
		strconv.Itoa(int(s.target.Port)))
	log.Tracef("Session %v: dial", addr)
	var d net.Dialer
	d.Deadline = s.deadline
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", RelayError{Code: ErrCodeConnectFailure, Err: err}
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	defer s.conn.Close()

	// The single deadline covers the entire attempt. Every subsequent
	// read and write fails once it expires.
	err = s.conn.SetDeadline(s.deadline)
	if err != nil {
		return "", RelayError{Code: ErrCodeConnectFailure, Err: err}
	}

	// Awaiting handshake. The banner is the first full line the remote
	// sends after accept.
	s.state = stateAwaitingHandshake
	banner, err := s.readBanner()
	if err != nil {
		return "", err
	}
	protocol, err := classifyBanner(banner)
	if err != nil {
		return "", err
	}
	log.Tracef("Session %v: banner %q classified as %v",
		addr, strings.TrimSpace(banner), protocol)

	// The legacy variant ships the remote server's public key in the
	// handshake lines that follow the banner; collect it before leaving
	// the handshake state.
	var legacyKey *rsa.PublicKey
	if protocol == ProtocolLegacyV1 {
		legacyKey, err = s.readHandshakeKey()
		if err != nil {
			return "", err
		}
	}

	// Encoding. The matching encoder runs exactly once; an encoder
	// failure resolves the session without touching the network again.
	s.state = stateEncoding
	var wire []byte
	switch protocol {
	case ProtocolLegacyV1:
		wire, err = encodeLegacyV1(s.client.opts.ServiceName,
			s.vote, legacyKey)
	case ProtocolFixedKeyRSA:
		wire, err = encodeLegacyV1(s.client.opts.ServiceName,
			s.vote, s.client.opts.FixedKey)
	case ProtocolNuVotifierV2:
		wire, err = encodeNuVotifierV2(s.client.opts.ServiceName,
			s.vote, s.target.Token)
	}
	if err != nil {
		return "", RelayError{Code: ErrCodeEncodingFailure, Err: err}
	}
	_, err = s.conn.Write(wire)
	if err != nil {
		return "", RelayError{Code: ErrCodeConnectFailure, Err: err}
	}

	// Awaiting confirmation. The legacy and v2 variants do not reply;
	// the write completing resolves the session, and the socket is held
	// open briefly so the remote can finish reading before teardown. The
	// fixed key variant does not self close; the remote must confirm.
	s.state = stateAwaitingConfirmation
	switch protocol {
	case ProtocolLegacyV1, ProtocolNuVotifierV2:
		return s.graceClose(protocol)
	default:
		return s.awaitConfirmation()
	}
}

// graceClose holds the socket open for the grace delay so the remote can
// finish reading the vote before teardown, then resolves to success. A
// connection reset inside the window means the remote closed before the vote
// arrived and it was never read, so the attempt fails; a clean close or a
// quiet window is success.
func (s *session) graceClose(protocol Protocol) (string, error) {
	grace := time.Now().Add(s.client.opts.GraceDelay)
	if grace.Before(s.deadline) {
		err := s.conn.SetReadDeadline(grace)
		if err != nil {
			return "", RelayError{Code: ErrCodeConnectFailure, Err: err}
		}
	}
	buf := make([]byte, 64)
	for {
		_, err := s.br.Read(buf)
		switch {
		case err == nil:
			// Unsolicited reply bytes; keep draining until the
			// window closes.
			continue
		case err == io.EOF:
			return "vote relayed (" + protocol.String() + ")", nil
		default:
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Grace window elapsed quietly.
				return "vote relayed (" + protocol.String() + ")", nil
			}
			return "", RelayError{Code: ErrCodeConnectFailure, Err: err}
		}
	}
}

// readBanner reads the handshake banner line. A remote that closes the
// connection without sending a single byte is reported distinctly from one
// that sends garbage.
func (s *session) readBanner() (string, error) {
	banner, err := s.br.ReadString('\n')
	switch {
	case err == nil:
		return banner, nil
	case err == io.EOF && banner != "":
		// The remote closed after the banner without a trailing
		// newline. Classify what we got.
		return banner, nil
	case err == io.EOF:
		return "", relayErr(ErrCodeHandshakeParseFailure,
			"closed without handshake")
	default:
		return "", s.socketErr(err)
	}
}

// readHandshakeKey accumulates the handshake lines that follow a legacy v1
// banner until they parse as an RSA public key. Partial accumulations that
// fail to parse simply mean more lines are needed; the attempt deadline
// bounds how long this can go on.
func (s *session) readHandshakeKey() (*rsa.PublicKey, error) {
	var block strings.Builder
	for {
		line, err := s.br.ReadString('\n')
		block.WriteString(line)
		if pub, perr := parsePublicKey(block.String()); perr == nil {
			return pub, nil
		}
		switch {
		case err == io.EOF:
			return nil, relayErr(ErrCodeEncodingFailure,
				"handshake ended without a usable public key")
		case err != nil:
			return nil, s.socketErr(err)
		}
	}
}

// awaitConfirmation buffers the remote's response until it contains the
// case insensitive substring "ok".
func (s *session) awaitConfirmation() (string, error) {
	var (
		response strings.Builder
		buf      = make([]byte, 256)
	)
	for {
		n, err := s.br.Read(buf)
		response.Write(buf[:n])
		if strings.Contains(strings.ToLower(response.String()), "ok") {
			return strings.TrimSpace(response.String()), nil
		}
		switch {
		case err == io.EOF:
			return "", relayErr(ErrCodeProtocolRejection,
				"closed without confirmation: %q",
				strings.TrimSpace(response.String()))
		case err != nil:
			return "", s.socketErr(err)
		}
	}
}

// socketErr converts a socket error into a RelayError, mapping deadline
// expiry to the timeout class.
func (s *session) socketErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return s.timeoutErr()
	}
	return RelayError{Code: ErrCodeConnectFailure, Err: err}
}

// timeoutErr builds the timeout failure for the attempt.
func (s *session) timeoutErr() error {
	return relayErr(ErrCodeTimeout, "timeout after %vms",
		time.Since(s.start).Milliseconds())
}

// normalizeErr maps errors that were not produced by the session itself,
// e.g. a deadline expiry surfacing through the dialer, into RelayErrors.
func (s *session) normalizeErr(err error) error {
	var re RelayError
	if errors.As(err, &re) {
		if re.Code == ErrCodeConnectFailure {
			var nerr net.Error
			if errors.As(re.Err, &nerr) && nerr.Timeout() {
				return s.timeoutErr()
			}
		}
		return re
	}
	return RelayError{Code: ErrCodeConnectFailure, Err: err}
}
