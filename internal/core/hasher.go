package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"DerivLedger/internal/state"
)

const GenesisHashSeed = "DerivLedger:genesis:v1:"

// StateHasher chains the storage hash of one contract across calls
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the contract's genesis hash
func NewStateHasher(contractID string) *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed + contractID)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

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

// SetPrevHash resumes the chain from a snapshot
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StorageDigest is the canonical byte form of a storage record. encoding/json
// sorts map keys and decimals print without trailing zeros, so equal records
// always produce equal digests.
func StorageDigest(s *state.DerivativeStorage) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("FATAL: storage not serializable: %v", err))
	}
	return b
}
