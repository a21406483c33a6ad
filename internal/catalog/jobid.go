package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// JobID derives a deterministic job identifier from a kind and its
// config. The config is canonicalized through a JSON round trip, which
// sorts object keys, so any permutation of the same parameters yields
// the same ID.
func JobID(kind string, config any) (string, error) {
	canonical, err := canonicalJSON(config)
	if err != nil {
		return "", eris.Wrap(err, "catalog: canonicalize job config")
	}
	sum := sha256.Sum256(append([]byte(kind+"\x00"), canonical...))
	return hex.EncodeToString(sum[:])[:24], nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Re-marshal through any so maps come out with sorted keys and
	// numeric forms are normalized.
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return nil, err
	}
	return json.Marshal(tmp)
}
