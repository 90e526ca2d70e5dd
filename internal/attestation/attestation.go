// Package attestation computes canonical content hashes over arbitrary
// call payloads so two observers can agree a decision was made over the
// same data without exchanging the data itself.
package attestation

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/toolguard/toolguard/internal/policyfile"
)

// Hash computes a canonical digest of payload: keys are sorted at every
// nesting level and the result is UTF-8 encoded JSON, so the digest is
// invariant under map key reordering.
func Hash(payload any, alg policyfile.HashAlg) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	serialized, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("serializing payload: %w", err)
	}

	switch alg {
	case policyfile.HashSHA256:
		sum := sha256.Sum256(serialized)
		return hex.EncodeToString(sum[:]), nil
	case policyfile.HashSHA512:
		sum := sha512.Sum512(serialized)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %q", alg)
	}
}

// canonicalize walks payload and rebuilds it as plain JSON-marshalable
// values (map[string]any, []any, strings, numbers, bools, nil); the key
// order is deterministic because encoding/json sorts map[string]any keys
// on marshal. If payload cannot be marshaled at all, the whole payload is
// replaced by its fmt %v string form; individual values inside it are not
// coerced separately.
func canonicalize(value any) (any, error) {
	// Round-trip through json so arbitrary Go structs (exported fields
	// only, as encoding/json sees them) resolve to the same plain-value
	// tree a decoder would produce, then re-normalize that tree.
	data, err := json.Marshal(value)
	if err != nil {
		return stringify(value), nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return normalize(generic), nil
}

func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			out[k] = normalize(v[k])
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func stringify(value any) string {
	return fmt.Sprintf("%v", value)
}
