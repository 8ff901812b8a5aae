package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Alphabet leaves out 0/O and 1/I so codes survive being read aloud.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	CodeLength         = 6
	defaultMaxAttempts = 8
)

var (
	ErrExhausted = errors.New("protocol: no free code after retries")
	ErrNoEntropy = errors.New("protocol: random source failed")
)

// Registry remembers every code ever issued.
type Registry interface {
	// Reserve claims code. It returns false if the code was issued before.
	Reserve(ctx context.Context, code string) (bool, error)
}

// Minter issues protocol numbers that are unique across every session
// generation the registry has seen.
type Minter struct {
	registry    Registry
	maxAttempts int
	random      func() (uuid.UUID, error)
}

func NewMinter(registry Registry) *Minter {
	return &Minter{registry: registry, maxAttempts: defaultMaxAttempts, random: uuid.NewRandom}
}

// Mint returns a fresh code. Collisions are retried a bounded number of times.
func (m *Minter) Mint(ctx context.Context) (string, error) {
	for i := 0; i < m.maxAttempts; i++ {
		id, err := m.random()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoEntropy, err)
		}
		code := Encode(id)
		ok, err := m.registry.Reserve(ctx, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", ErrExhausted
}

// Encode maps the first CodeLength bytes of id onto Alphabet. The alphabet has
// 32 symbols, so each byte contributes its low five bits without bias.
func Encode(id uuid.UUID) string {
	out := make([]byte, CodeLength)
	for i := range out {
		out[i] = Alphabet[int(id[i])%len(Alphabet)]
	}
	return string(out)
}

// Valid reports whether code has the shape of a protocol number.
func Valid(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		found := false
		for j := 0; j < len(Alphabet); j++ {
			if code[i] == Alphabet[j] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
