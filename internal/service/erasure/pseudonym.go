package erasure

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Pseudonymizer derives stable, unlinkable replacements for identifying
// fields of purged principals using keyed BLAKE2b.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer uses key as the MAC key. Keys longer than blake2b.Size
// are hashed down; an empty key is replaced by a random one.
func NewPseudonymizer(key []byte) (*Pseudonymizer, error) {
	switch {
	case len(key) == 0:
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating pseudonym key: %w", err)
		}
	case len(key) > blake2b.Size:
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Pseudonymizer{key: key}, nil
}

func (p *Pseudonymizer) token(principalID uuid.UUID, field string) string {
	h, err := blake2b.New256(p.key)
	if err != nil {
		// Unreachable: the key length is bounded in NewPseudonymizer.
		panic(err)
	}
	h.Write(principalID[:])
	h.Write([]byte{0})
	h.Write([]byte(field))
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Email returns the replacement email. It stays unique per principal so the
// email uniqueness constraint holds after purge.
func (p *Pseudonymizer) Email(principalID uuid.UUID) string {
	return "erased+" + p.token(principalID, "email") + "@erased.invalid"
}

func (p *Pseudonymizer) Name(principalID uuid.UUID) string {
	return "erased-" + p.token(principalID, "name")[:12]
}
