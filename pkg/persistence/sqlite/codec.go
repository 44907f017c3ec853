// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// CompressionThreshold is the encoded size from which documents are stored
// zstd-compressed. Smaller documents are stored as plain JSON.
const CompressionThreshold = 1024

const zstdMagic = 0xFD2FB528

var (
	// EncodeAll and DecodeAll are safe for concurrent use.
	encoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithWindowSize(32*1024))
	decoder, _ = zstd.NewReader(nil)
)

func isCompressed(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	return binary.LittleEndian.Uint32(data) == zstdMagic
}

// encodeDocument renders doc as JSON and compresses it above the threshold.
func encodeDocument(doc persistence.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	if len(data) < CompressionThreshold {
		return data, nil
	}

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decodeDocument(data []byte) (persistence.Document, error) {
	if isCompressed(data) {
		plain, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress document: %w", err)
		}

		data = plain
	}

	var doc persistence.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}
