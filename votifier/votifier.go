// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package votifier implements a client for the Votifier family of vote
// notification protocols. Three incompatible protocol variants share a
// single TCP port; the variant is negotiated at runtime from the banner
// line a Votifier compatible server sends immediately after connect.
package votifier

import (
	"crypto/rsa"
	"fmt"
	"time"
)

const (
	// defaultServiceName identifies this installation in vote payloads
	// when the caller does not configure one.
	defaultServiceName = "craftlist"

	// defaultTimeout is the hard deadline for a single relay attempt.
	// It covers the entire attempt: connect, handshake, encode and
	// confirmation.
	defaultTimeout = 5 * time.Second

	// defaultGraceDelay is how long the session keeps the socket open
	// after the final write for protocol variants that do not reply.
	// Closing immediately can cause the remote peer to drop the vote
	// before it has read it.
	defaultGraceDelay = 100 * time.Millisecond
)

// Vote describes a single vote notification. A Vote is constructed by the
// caller and never mutated by this package.
type Vote struct {
	// Username is the Minecraft username that cast the vote. Minecraft
	// naming rules restrict it to 1-16 characters.
	Username string

	// Address is the source IP of the voter.
	Address string

	// Timestamp is the unix timestamp, in seconds, of when the vote was
	// cast.
	Timestamp int64
}

// verify checks the vote against the constraints that every protocol
// variant shares.
func (v Vote) verify() error {
	switch {
	case len(v.Username) == 0 || len(v.Username) > 16:
		return fmt.Errorf("username must be 1-16 characters; got %v",
			len(v.Username))
	case v.Address == "":
		return fmt.Errorf("address not set")
	case v.Timestamp <= 0:
		return fmt.Errorf("invalid timestamp %v", v.Timestamp)
	}
	return nil
}

// Target describes the Votifier endpoint of a listed server. There is one
// Target per listed server; the server entity itself is owned by the web
// layer.
type Target struct {
	// Host is the hostname or IP of the Votifier listener.
	Host string

	// Port is the Votifier listener port.
	Port uint16

	// Token is the shared secret for the target. NuVotifier v2 uses it
	// as the HMAC key. The RSA variants ignore it.
	Token string
}

// verify checks that the target is dialable.
func (t Target) verify() error {
	switch {
	case t.Host == "":
		return fmt.Errorf("host not set")
	case t.Port == 0:
		return fmt.Errorf("port not set")
	}
	return nil
}

// Protocol identifies the Votifier protocol variant that a remote server
// speaks. The variant is determined solely from the handshake banner; it is
// never supplied by the caller.
type Protocol uint32

const (
	// ProtocolInvalid is an invalid protocol variant.
	ProtocolInvalid Protocol = 0

	// ProtocolLegacyV1 is the original Votifier v1 protocol. The vote is
	// RSA encrypted with a public key that the remote server ships in
	// the lines of the handshake that follow the banner.
	ProtocolLegacyV1 Protocol = 1

	// ProtocolNuVotifierV2 is the NuVotifier v2 protocol. The vote is a
	// JSON payload signed with HMAC-SHA256 keyed by the target token.
	ProtocolNuVotifierV2 Protocol = 2

	// ProtocolFixedKeyRSA is a v1 framing variant that always encrypts
	// with a single installation wide public key regardless of any key
	// material in the handshake. It exists for compatibility with a
	// specific third party plugin whose banner is indistinguishable from
	// legacy v1.
	ProtocolFixedKeyRSA Protocol = 3
)

// Protocols contains the human readable protocol variant names.
var Protocols = map[Protocol]string{
	ProtocolInvalid:      "invalid",
	ProtocolLegacyV1:     "legacy v1",
	ProtocolNuVotifierV2: "nuvotifier v2",
	ProtocolFixedKeyRSA:  "fixed key rsa",
}

// String returns the human readable protocol variant name.
func (p Protocol) String() string {
	s, ok := Protocols[p]
	if !ok {
		return fmt.Sprintf("unknown protocol %d", uint32(p))
	}
	return s
}

// Outcome is the result of a single relay attempt. Exactly one Outcome is
// produced per attempt.
type Outcome struct {
	// Success indicates whether the vote was delivered.
	Success bool

	// Response contains the raw server reply on success, or a
	// description of the failure. It is recorded verbatim so that
	// operators can diagnose failed relays.
	Response string

	// Duration is how long the attempt took.
	Duration time.Duration
}

// Opts includes configurable client options.
type Opts struct {
	// ServiceName identifies this installation in vote payloads.
	// Defaults to "craftlist".
	ServiceName string

	// Timeout is the hard deadline for a single relay attempt. Defaults
	// to 5 seconds.
	Timeout time.Duration

	// GraceDelay is how long the socket is kept open after the final
	// write for variants that do not reply. Defaults to 100ms.
	GraceDelay time.Duration

	// FixedKey is the public key used by the fixed key RSA variant.
	// This is installation specific key material, not a property of the
	// protocol family, so it is injected rather than embedded. When nil,
	// attempts against fixed key targets fail with an encoding error.
	FixedKey *rsa.PublicKey
}

// Client relays vote notifications to Votifier compatible servers. A Client
// is safe for concurrent use; every relay attempt owns an independent socket
// and buffer.
type Client struct {
	opts *Opts
}

// New returns a new votifier client. The opts param can be used to override
// the default client settings.
func New(opts *Opts) *Client {
	var (
		serviceName = defaultServiceName
		timeout     = defaultTimeout
		graceDelay  = defaultGraceDelay
		fixedKey    *rsa.PublicKey
	)
	// Override defaults if options are provided
	if opts != nil {
		if opts.ServiceName != "" {
			serviceName = opts.ServiceName
		}
		if opts.Timeout != 0 {
			timeout = opts.Timeout
		}
		if opts.GraceDelay != 0 {
			graceDelay = opts.GraceDelay
		}
		fixedKey = opts.FixedKey
	}
	return &Client{
		opts: &Opts{
			ServiceName: serviceName,
			Timeout:     timeout,
			GraceDelay:  graceDelay,
			FixedKey:    fixedKey,
		},
	}
}
