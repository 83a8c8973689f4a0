package core

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// ComputeBidCommitment computes the sealed-bid commitment hash.
// This is used both when a bid is committed (to generate the commitment)
// and during the reveal phase (to verify a claimed amount/salt pair).
//
// Formula: SHA256(sprintf("%.6f", amount) + "|" + salt)
//
// The amount is formatted to exactly 6 decimal places to ensure consistent
// hashing regardless of how the float is represented in memory.
func ComputeBidCommitment(amount float64, salt string) string {
	data := fmt.Sprintf("%.6f|%s", amount, salt)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// VerifyReveal checks a revealed (amount, salt) pair against a stored
// commitment. Any single-bit change to amount or salt produces a different
// commitment and fails verification.
func VerifyReveal(commitment string, amount float64, salt string) bool {
	return ComputeBidCommitment(amount, salt) == commitment
}

// NewSalt returns a fresh random salt for a bid commitment, hex encoded.
// rand.Read does not error when using the default Reader.
func NewSalt() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}
