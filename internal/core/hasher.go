package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "TrancheLedger:genesis:v1"

// StateHasher chains state hashes: every accepted command commits to the
// previous tip, its own identity and the resulting pool state.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates
//
//	state_hash[N] = SHA-256(prev_hash || sequence || len(key) || key || state_digest)
//
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, idempotencyKey string, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sequence))
	hasher.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(len(idempotencyKey)))
	hasher.Write(buf[:])
	hasher.Write([]byte(idempotencyKey))

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash repositions the chain tip (snapshot restore).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
