package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func GenerateRoundID() string {
	return uuid.NewString()
}

func GenerateEntryID() string {
	return uuid.NewString()
}

func GenerateClientSeed() (string, error) {
	bytes := make([]byte, 16) // 128 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CalculatePayout applies a multiplier to a stake in minor units, rounding
// toward zero so the house never pays a fraction of a unit.
func CalculatePayout(stake int64, multiplier decimal.Decimal) int64 {
	if multiplier.IsNegative() {
		return 0
	}
	return decimal.NewFromInt(stake).Mul(multiplier).Floor().IntPart()
}

// FormatMinor renders minor units as a two-decimal amount.
func FormatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
