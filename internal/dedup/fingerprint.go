package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/types"
)

const anonymous = "anonymous"

// Fingerprint identifies a complaint for near-duplicate detection. Only
// complaints in the same partition (citizen + coarse location) are compared.
type Fingerprint struct {
	Partition string   `json:"partition"`
	Tokens    []string `json:"tokens"`
	Hash      string   `json:"hash"`
}

// NewFingerprint derives a fingerprint from processed text, the optional
// citizen id and the optional location.
func NewFingerprint(text, citizenID string, loc *types.Location) Fingerprint {
	normalized := lexicon.Normalize(text)
	sum := sha256.Sum256([]byte(normalized))

	citizen := strings.TrimSpace(citizenID)
	if citizen == "" {
		citizen = anonymous
	}

	return Fingerprint{
		Partition: citizen + "|" + LocationBucket(loc),
		Tokens:    tokenSet(normalized),
		Hash:      hex.EncodeToString(sum[:8]),
	}
}

// LocationBucket rounds coordinates to two decimals (roughly 1 km).
func LocationBucket(loc *types.Location) string {
	if loc == nil {
		return "none"
	}
	return fmt.Sprintf("%.2f,%.2f", loc.Lat, loc.Lon)
}

func tokenSet(normalized string) []string {
	fields := strings.Fields(normalized)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Similarity is the Jaccard index of two sorted token sets.
func Similarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
