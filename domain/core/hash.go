package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Domain-specific hash types
type (
	TableHash  Hash // fingerprint of the input trait/indicator table
	ConfigHash Hash // fingerprint of the modeling configuration
)

func NewTableHash(data []byte) TableHash    { return TableHash(NewHash(data)) }
func NewConfigHash(data []byte) ConfigHash  { return ConfigHash(NewHash(data)) }
func (h TableHash) String() string          { return Hash(h).String() }
func (h ConfigHash) String() string         { return Hash(h).String() }

// ComputeTableHash fingerprints a species table by its sorted identifiers and
// row count so reruns against the same table produce the same hash.
func ComputeTableHash(speciesIDs []string, rows int) TableHash {
	sorted := make([]string, len(speciesIDs))
	copy(sorted, speciesIDs)
	sort.Strings(sorted)

	var data strings.Builder
	data.WriteString(fmt.Sprintf("rows=%d|", rows))
	for _, id := range sorted {
		data.WriteString(id)
		data.WriteString("|")
	}
	return NewTableHash([]byte(data.String()))
}

// ComputeConfigHash fingerprints the flattened configuration key/value map.
func ComputeConfigHash(settings map[string]string) ConfigHash {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, key := range keys {
		data.WriteString(key)
		data.WriteString("=")
		data.WriteString(settings[key])
		data.WriteString("|")
	}
	return NewConfigHash([]byte(data.String()))
}
