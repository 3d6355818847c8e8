// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// plaintextBlock builds the 5 field plaintext vote block that all three
// protocol variants derive their wire format from.
//
//	VOTE\n<serviceName>\n<username>\n<address>\n<timestamp>\n
func plaintextBlock(serviceName string, vote Vote) []byte {
	return []byte(fmt.Sprintf("VOTE\n%s\n%s\n%s\n%d\n",
		serviceName, vote.Username, vote.Address, vote.Timestamp))
}

// encodeLegacyV1 encodes a vote for the legacy v1 and fixed key variants:
// the plaintext block encrypted with RSA PKCS#1 v1.5. The two variants
// differ only in where the public key comes from.
func encodeLegacyV1(serviceName string, vote Vote, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errors.Errorf("no public key")
	}
	return encryptVote(pub, plaintextBlock(serviceName, vote))
}

// v2Payload is the inner NuVotifier v2 JSON payload. The timestamp is
// serialized as a string, matching what NuVotifier servers expect.
type v2Payload struct {
	ServiceName string `json:"serviceName"`
	Username    string `json:"username"`
	Address     string `json:"address"`
	Timestamp   string `json:"timestamp"`
}

// v2Message is the outer NuVotifier v2 JSON message. Payload is the
// serialized inner JSON; Signature is the hex encoded HMAC-SHA256 of the
// payload bytes keyed by the target token.
type v2Message struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// encodeNuVotifierV2 encodes a vote for the NuVotifier v2 variant.
func encodeNuVotifierV2(serviceName string, vote Vote, token string) ([]byte, error) {
	payload, err := json.Marshal(v2Payload{
		ServiceName: serviceName,
		Username:    vote.Username,
		Address:     vote.Address,
		Timestamp:   fmt.Sprintf("%d", vote.Timestamp),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	msg, err := json.Marshal(v2Message{
		Payload:   string(payload),
		Signature: signPayload(payload, token),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return msg, nil
}
