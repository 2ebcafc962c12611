// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
)

// fingerprintFormat is mixed into every fingerprint; changing the
// fingerprint layout requires changing it.
const fingerprintFormat = "bigstep.fingerprint.v2"

// A Fingerprint is a content hash that identifies the exact inputs of
// a step: its module type and version, its normalized configuration,
// its array size, and the fingerprints of its dependencies, in order. Fingerprints
// key the result cache.
type Fingerprint [sha256.Size]byte

// ParseFingerprint parses a fingerprint from its hexadecimal string
// representation.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != 2*len(fp) {
		return fp, fmt.Errorf("invalid fingerprint %q: wrong length", s)
	}
	if _, err := hex.Decode(fp[:], []byte(s)); err != nil {
		return fp, fmt.Errorf("invalid fingerprint %q: %v", s, err)
	}
	return fp, nil
}

// IsZero tells whether fp is the zero fingerprint.
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

// String returns the hexadecimal representation of fp.
func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Short returns an abbreviated representation of fp for display.
func (fp Fingerprint) Short() string {
	return fp.String()[:12]
}

// MarshalText implements encoding.TextMarshaler so that fingerprints
// can be used as JSON map keys.
func (fp Fingerprint) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (fp *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*fp = parsed
	return nil
}

// fingerprint computes the fingerprint of a step. Every variable-length
// field is length-prefixed so that field boundaries cannot be confused.
func fingerprint(typ string, version int, config Config, arraySize int, deps []Fingerprint) Fingerprint {
	h := sha256.New()
	writeField(h, []byte(fingerprintFormat))
	writeField(h, []byte(typ))
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	h.Write(v[:])
	writeField(h, config.Canonical())
	// The array size determines the inputs of each invocation and the
	// shape of the artifact.
	if arraySize < 0 {
		arraySize = 0
	}
	binary.BigEndian.PutUint64(v[:], uint64(arraySize))
	h.Write(v[:])
	binary.BigEndian.PutUint64(v[:], uint64(len(deps)))
	h.Write(v[:])
	for _, dep := range deps {
		h.Write(dep[:])
	}
	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
