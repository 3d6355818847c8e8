// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// parsePublicKey parses an RSA public key from the key block a legacy v1
// server ships in its handshake. The block is the base64 body of a PKIX
// key, usually without the PEM header and footer lines; both forms are
// accepted.
func parsePublicKey(block string) (*rsa.PublicKey, error) {
	// Strip PEM armor and whitespace. Votifier servers historically
	// print the bare base64 body.
	var b strings.Builder
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	der, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("not an RSA public key: %T", pub)
	}
	return rsaPub, nil
}

// encryptVote encrypts a plaintext vote block with RSA PKCS#1 v1.5 padding.
// The ciphertext must be exactly the modulus size of the key (256 bytes for
// a 2048 bit key); Votifier servers read a fixed size block, so a length
// mismatch is a hard encoding error rather than something to silently send.
func encryptVote(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ciphertext) != pub.Size() {
		return nil, errors.Errorf("ciphertext length %v does not "+
			"match modulus size %v", len(ciphertext), pub.Size())
	}
	return ciphertext, nil
}

// signPayload computes the hex encoded HMAC-SHA256 signature of the payload
// keyed by the target token.
func signPayload(payload []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
