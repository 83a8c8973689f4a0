package core

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestComputeBidCommitment_Deterministic(t *testing.T) {
	commitment1 := ComputeBidCommitment(120.50, "salt123")
	commitment2 := ComputeBidCommitment(120.50, "salt123")

	check.Equal(t, commitment1, commitment2)
	check.Equal(t, 64, len(commitment1)) // SHA-256 hex
}

func TestComputeBidCommitment_PriceFormatting(t *testing.T) {
	// 120.5 and 120.50 are the same amount and must hash identically.
	check.Equal(t, ComputeBidCommitment(120.5, "s"), ComputeBidCommitment(120.50, "s"))

	// Amounts differing beyond displayed precision still differ within
	// the 6 formatted decimal places.
	check.NotEqual(t, ComputeBidCommitment(120.500001, "s"), ComputeBidCommitment(120.5, "s"))
}

func TestVerifyReveal_RoundTrip(t *testing.T) {
	salt := NewSalt()
	commitment := ComputeBidCommitment(99.99, salt)

	check.True(t, VerifyReveal(commitment, 99.99, salt))
}

func TestVerifyReveal_Mutations(t *testing.T) {
	salt := "a1b2c3d4"
	commitment := ComputeBidCommitment(100.0, salt)

	tests := []struct {
		name   string
		amount float64
		salt   string
	}{
		{"wrong amount", 100.01, salt},
		{"tiny amount change", 100.000001, salt},
		{"wrong salt", 100.0, "a1b2c3d5"},
		{"empty salt", 100.0, ""},
		{"swapped fields", 0.0, "100.000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.False(t, VerifyReveal(commitment, tt.amount, tt.salt))
		})
	}
}

func TestNewSalt_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		salt := NewSalt()
		check.Equal(t, 32, len(salt)) // 16 random bytes, hex encoded
		check.False(t, seen[salt])
		seen[salt] = true
	}
}
