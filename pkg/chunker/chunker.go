// Package chunker implements the canonical split/verify/reassemble recipe
// that defines BlobDVM content addresses. Any implementation that
// disagrees with this recipe byte-for-byte produces different file hashes
// and is not interoperable.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Size is the canonical chunk size in bytes. Changing it changes every
// content address derived from it and is out of contract.
const Size = 32768

// Chunk is a single indexed, hashed slice of a file's bytes.
type Chunk struct {
	Index      int
	Total      int
	Bytes      []byte
	ChunkHash  string // hex SHA-256 of Bytes
	Expiration uint64 // unix seconds, identical across all chunks of a file
}

// IntegrityFailed is returned by VerifyAndAssemble when a chunk's declared
// hash disagrees with its recomputed hash, or the assembled file hash
// disagrees with the expected hash.
type IntegrityFailed struct {
	Reason string
}

func (e *IntegrityFailed) Error() string {
	return fmt.Sprintf("integrity check failed: %s", e.Reason)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FileHash computes the canonical content address of b: the hex SHA-256
// of its raw bytes (equivalently, of the concatenation of its chunks).
func FileHash(b []byte) string {
	return hashHex(b)
}

// Split partitions b into consecutive, non-overlapping Size-byte chunks,
// index 0 first. Every chunk except possibly the last has length exactly
// Size; the last has length in [1, Size]. Split returns an empty slice
// only when b is empty; callers must refuse to store in that case.
func Split(b []byte, expiration uint64) []Chunk {
	if len(b) == 0 {
		return nil
	}

	total := (len(b) + Size - 1) / Size
	chunks := make([]Chunk, 0, total)

	for i := 0; i < total; i++ {
		start := i * Size
		end := start + Size
		if end > len(b) {
			end = len(b)
		}
		data := make([]byte, end-start)
		copy(data, b[start:end])

		chunks = append(chunks, Chunk{
			Index:      i,
			Total:      total,
			Bytes:      data,
			ChunkHash:  hashHex(data),
			Expiration: expiration,
		})
	}

	return chunks
}

// VerifyAndAssemble sorts chunks by index, rejects repeated indices,
// recomputes each chunk's hash against its advertised ChunkHash,
// concatenates in index order, and checks the result's SHA-256 against
// expectedFileHash (hex). Any mismatch fails with *IntegrityFailed.
func VerifyAndAssemble(chunks []Chunk, expectedFileHash string) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, &IntegrityFailed{Reason: "no chunks supplied"}
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	seen := make(map[int]bool, len(sorted))
	for _, c := range sorted {
		if seen[c.Index] {
			return nil, &IntegrityFailed{Reason: fmt.Sprintf("repeated chunk index %d", c.Index)}
		}
		seen[c.Index] = true
	}

	for i, c := range sorted {
		if c.Index != i {
			return nil, &IntegrityFailed{Reason: fmt.Sprintf("missing chunk index %d", i)}
		}
		if hashHex(c.Bytes) != c.ChunkHash {
			return nil, &IntegrityFailed{Reason: fmt.Sprintf("chunk %d hash mismatch", c.Index)}
		}
	}

	var buf bytes.Buffer
	for _, c := range sorted {
		buf.Write(c.Bytes)
	}
	assembled := buf.Bytes()

	if hashHex(assembled) != expectedFileHash {
		return nil, &IntegrityFailed{Reason: "assembled file hash mismatch"}
	}

	return assembled, nil
}
