package descriptor

import (
	"strings"
)

// KeyInfo is the key-origin information exposed for one key of an expanded
// descriptor.
type KeyInfo struct {
	KeyPath           string `json:"keyPath,omitempty"`
	MasterFingerprint string `json:"masterFingerprint,omitempty"`
	OriginPath        string `json:"originPath,omitempty"`
}

// Expansion is the result of expanding a descriptor: its canonical
// expression with keys replaced by @N placeholders, plus the per-key origin
// information.
type Expansion struct {
	CanonicalExpression string             `json:"canonicalExpression"`
	ExpansionMap        map[string]KeyInfo `json:"expansionMap"`
}

// Expand decomposes a descriptor into its canonical template and key map.
// The descriptors this engine supports carry at most one key, named @0.
func Expand(descriptor string) (*Expansion, error) {
	parsed, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}
	if parsed.Type == ScriptAddr {
		return &Expansion{
			CanonicalExpression: parsed.render(),
			ExpansionMap:        map[string]KeyInfo{},
		}, nil
	}

	placeholder := *parsed
	placeholder.Key = KeyExpression{
		MasterFingerprint: parsed.Key.MasterFingerprint,
		OriginPath:        parsed.Key.OriginPath,
		Key:               "@0",
	}
	expr := placeholder.render()
	// The placeholder stands for the bare key; the key origin and the real
	// key path stay in the expression so callers can see the branch structure.
	expr = strings.Replace(expr, "@0", "@0"+parsed.Key.KeyPath, 1)

	return &Expansion{
		CanonicalExpression: expr,
		ExpansionMap: map[string]KeyInfo{
			"@0": {
				KeyPath:           parsed.Key.KeyPath,
				MasterFingerprint: parsed.Key.MasterFingerprint,
				OriginPath:        parsed.Key.OriginPath,
			},
		},
	}, nil
}
