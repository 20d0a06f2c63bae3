package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpRisk:genesis:v1"

// GenesisStateHash is the chain tip before the first command.
func GenesisStateHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// hashChain links every sealed command to the one before it:
//
//	state_hash[N] = SHA-256(state_hash[N-1] || N as 8 bytes LE || state_digest[N])
//
// A rejected command is sealed too, so the chain covers the full log.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: GenesisStateHash()}
}

// seal appends one command to the chain and returns the previous and new tips.
func (h *hashChain) seal(sequence int64, stateDigest []byte) (prev, next [32]byte) {
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))

	d := sha256.New()
	d.Write(h.tip[:])
	d.Write(seqBuf[:])
	d.Write(stateDigest)

	prev = h.tip
	copy(next[:], d.Sum(nil))
	h.tip = next
	return prev, next
}

// reset continues the chain from a snapshot's tip.
func (h *hashChain) reset(tip [32]byte) {
	h.tip = tip
}
