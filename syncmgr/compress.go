// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compressor shrinks payloads before transmission. The sync manager only
// compresses payloads above a size threshold, so small bodies skip the
// overhead entirely.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Encoding names the scheme for the Content-Encoding header.
	Encoding() string
}

// SnappyCompressor compresses with snappy block encoding.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snappy payload: %w", err)
	}
	return out, nil
}

func (SnappyCompressor) Encoding() string { return "snappy" }

// IdentityCompressor is the synchronous fallback: it passes bytes through
// unchanged and advertises no encoding.
type IdentityCompressor struct{}

func (IdentityCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (IdentityCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (IdentityCompressor) Encoding() string                       { return "" }
