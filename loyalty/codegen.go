package loyalty

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// CodeGenerator produces short customer codes, unique within a business.
type CodeGenerator interface {
	NextCode(ctx context.Context, businessID string) (string, error)
}

const (
	DefaultCodeLength   = 6
	DefaultCodeAttempts = 16
)

// RandomCodeGenerator draws zero-padded numeric codes and checks each
// candidate against both codes and CPFs already in the business, so an
// identifier never resolves to two customers.
type RandomCodeGenerator struct {
	Accounts AccountStore
	Length   int
	Attempts int
	Rand     io.Reader
}

// NewRandomCodeGenerator returns a generator with crypto/rand as its source.
func NewRandomCodeGenerator(accounts AccountStore, length int) *RandomCodeGenerator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return &RandomCodeGenerator{
		Accounts: accounts,
		Length:   length,
		Attempts: DefaultCodeAttempts,
		Rand:     rand.Reader,
	}
}

// NextCode returns a code not currently used as an identifier in businessID.
func (g *RandomCodeGenerator) NextCode(ctx context.Context, businessID string) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.Length)), nil)
	for i := 0; i < g.Attempts; i++ {
		n, err := rand.Int(g.Rand, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := fmt.Sprintf("%0*d", g.Length, n)

		_, err = g.Accounts.GetCustomerByIdentifier(ctx, businessID, code)
		switch {
		case errors.Is(err, ErrCustomerNotFound):
			return code, nil
		case err == nil, errors.Is(err, ErrAmbiguousIdentifier):
			continue
		default:
			return "", err
		}
	}
	return "", ErrCodeSpaceExhausted
}
