// Package checksum computes SHA-256 digests used to make stored audit records
// and archive exports tamper-evident.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SumJSON returns the hex SHA-256 of v's JSON encoding. encoding/json emits
// struct fields in declaration order and map keys sorted, so equal values
// always produce equal digests.
func SumJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyJSON reports whether v still hashes to expected.
func VerifyJSON(v any, expected string) (bool, error) {
	actual, err := SumJSON(v)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
