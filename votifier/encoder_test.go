// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestPlaintextBlock(t *testing.T) {
	vote := Vote{
		Username:  "Dinnerbone",
		Address:   "192.0.2.55",
		Timestamp: 1716012345,
	}
	got := string(plaintextBlock("craftlist", vote))
	want := "VOTE\ncraftlist\nDinnerbone\n192.0.2.55\n1716012345\n"
	if got != want {
		t.Errorf("got block %q, want %q", got, want)
	}
}

func TestEncodeLegacyV1(t *testing.T) {
	key := newTestKey(t, 2048)
	vote := Vote{
		Username:  "Grum",
		Address:   "192.0.2.9",
		Timestamp: 1716012346,
	}

	// Missing key is a hard encoding error, not a silent no-op. This is
	// the path a fixed key target hits when no fixed key is configured.
	_, err := encodeLegacyV1("craftlist", vote, nil)
	if err == nil {
		t.Fatal("expected an error for a nil public key")
	}

	wire, err := encodeLegacyV1("craftlist", vote, &key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := rsa.DecryptPKCS1v15(nil, key, wire)
	if err != nil {
		t.Fatal(err)
	}
	want := string(plaintextBlock("craftlist", vote))
	if string(decrypted) != want {
		t.Errorf("got decrypted %q, want %q", decrypted, want)
	}
}

func TestEncodeNuVotifierV2(t *testing.T) {
	const token = "hmac-token"
	vote := Vote{
		Username:  "Searge",
		Address:   "192.0.2.14",
		Timestamp: 1716012347,
	}
	wire, err := encodeNuVotifierV2("craftlist", vote, token)
	if err != nil {
		t.Fatal(err)
	}

	// The outer message carries the serialized inner payload and its hex
	// encoded HMAC-SHA256 signature.
	var msg v2Message
	err = json.Unmarshal(wire, &msg)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(msg.Payload))
	want := hex.EncodeToString(mac.Sum(nil))
	if msg.Signature != want {
		t.Errorf("got signature %v, want %v", msg.Signature, want)
	}

	// The inner payload serializes the timestamp as a string.
	var payload v2Payload
	err = json.Unmarshal([]byte(msg.Payload), &payload)
	if err != nil {
		t.Fatal(err)
	}
	switch {
	case payload.ServiceName != "craftlist":
		t.Errorf("got serviceName %v, want craftlist",
			payload.ServiceName)
	case payload.Username != vote.Username:
		t.Errorf("got username %v, want %v",
			payload.Username, vote.Username)
	case payload.Address != vote.Address:
		t.Errorf("got address %v, want %v",
			payload.Address, vote.Address)
	case payload.Timestamp != "1716012347":
		t.Errorf("got timestamp %v, want 1716012347",
			payload.Timestamp)
	}
}
