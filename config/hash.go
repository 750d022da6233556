package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// FeatureHash returns a hash over the sections that determine on-disk
// feature content (audio conditioning + feature extraction). Cached
// features carry this hash; a config change invalidates them.
func (c *Config) FeatureHash() string {
	payload := struct {
		Audio   AudioConfig   `json:"audio"`
		Feature FeatureConfig `json:"feature"`
	}{c.Audio, c.Feature}
	return hashJSON(payload)
}

// Hash returns a hash over the full configuration, recorded in
// checkpoints and evaluation reports for auditability
func (c *Config) Hash() string {
	return hashJSON(c)
}

func hashJSON(v any) string {
	// json.Marshal emits struct fields in declaration order, so the
	// encoding is canonical for a given config version
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
