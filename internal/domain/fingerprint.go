package domain

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// PromptFingerprint computes a stable hash of a model's normalized input
// params, used as the third leg of the Dedupe Store key alongside user id
// and model id (spec §3: "internally generated, stable across retries").
// Map key order is not guaranteed by Go, so params are re-marshaled through
// a sorted-key representation before hashing to keep the fingerprint
// reproducible across calls with the same logical input.
func PromptFingerprint(params map[string]any) string {
	sum := blake2b.Sum256(canonicalJSON(params))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v map[string]any) []byte {
	if len(v) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, v[k])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return []byte("{}")
	}
	return b
}
