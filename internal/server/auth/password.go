package auth

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 12

// Hasher wraps bcrypt with a fixed cost and a precomputed hash used to burn
// the same amount of work when the account does not exist.
type Hasher struct {
	cost  int
	dummy []byte
}

func NewHasher(cost int) (*Hasher, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: bcrypt cost %d out of range", common.ErrorValidation, cost)
	}
	dummy, err := bcrypt.GenerateFromPassword(common.GenerateRandByteArray(16), cost)
	if err != nil {
		return nil, err
	}
	return &Hasher{cost: cost, dummy: dummy}, nil
}

func (h *Hasher) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password too long", common.ErrorValidation)
		}
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. Malformed hashes are
// treated as a mismatch.
func (h *Hasher) CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// DummyCheck performs a compare against a throwaway hash so unknown
// identifiers cost as much as wrong passwords.
func (h *Hasher) DummyCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
