// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// classifyBanner classifies the protocol variant from the banner line that a
// Votifier compatible server sends immediately after connect.
//
// Banners containing "VOTIFIER 1" map to the fixed key variant rather than
// true legacy v1. The two are textually indistinguishable in the banner; the
// mapping exists for a specific third party plugin that advertises v1 but
// expects a single installation wide key instead of the key it ships in the
// handshake. Anything that is not recognizably v1 or v2 is treated as legacy,
// in which case the remainder of the handshake carries the remote server's
// RSA public key.
func classifyBanner(banner string) (Protocol, error) {
	if !validBannerText(banner) {
		return ProtocolInvalid, relayErr(ErrCodeHandshakeParseFailure,
			"banner is not parseable text")
	}
	switch {
	case strings.Contains(banner, "VOTIFIER 2"),
		strings.Contains(banner, "NUVOTIFIER"):
		return ProtocolNuVotifierV2, nil
	case strings.Contains(banner, "VOTIFIER 1"):
		return ProtocolFixedKeyRSA, nil
	}
	return ProtocolLegacyV1, nil
}

// validBannerText returns whether the banner can be treated as a line of
// text. Binary garbage, e.g. a client that connected to the wrong port, must
// fail classification before any encoder runs.
func validBannerText(banner string) bool {
	if banner == "" || !utf8.ValidString(banner) {
		return false
	}
	for _, r := range strings.TrimRight(banner, "\r\n") {
		if r == utf8.RuneError {
			return false
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
