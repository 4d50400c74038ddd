package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Output descriptor engine
//
// Parses the descriptor subset the discovery engine consumes and derives
// scriptPubKeys from it:
//
//	pkh(KEY)       legacy P2PKH
//	wpkh(KEY)      native segwit v0
//	sh(wpkh(KEY))  wrapped segwit
//	tr(KEY)        taproot key-path
//	addr(ADDRESS)  a single literal address
//
// KEY is an optional key origin ([fingerprint/path']), then an extended key,
// a WIF, or a hex public key, then an optional derivation path that may end
// in the /* wildcard (a ranged descriptor). Checksums (#8 chars) are
// validated when present and never part of the canonical form.

// ScriptType tags the outer script template of a descriptor.
type ScriptType int

const (
	ScriptPkh ScriptType = iota
	ScriptWpkh
	ScriptShWpkh
	ScriptTr
	ScriptAddr
)

func (t ScriptType) String() string {
	switch t {
	case ScriptPkh:
		return "pkh"
	case ScriptWpkh:
		return "wpkh"
	case ScriptShWpkh:
		return "sh(wpkh"
	case ScriptTr:
		return "tr"
	case ScriptAddr:
		return "addr"
	}
	return "unknown"
}

// KeyExpression is the key material part of a parsed descriptor.
type KeyExpression struct {
	MasterFingerprint string // 8 lowercase hex chars, "" when no origin
	OriginPath        string // "/44'/0'/0'" normalized, "" when no origin
	Key               string // extended key, WIF, or hex pubkey, verbatim
	KeyPath           string // "/0/*", "/0/1", ... normalized, "" when none
}

// Parsed is a decoded descriptor.
type Parsed struct {
	Type    ScriptType
	Key     KeyExpression // key-based templates
	Address string        // addr() only
}

// Ranged reports whether the descriptor contains the index wildcard.
func (p *Parsed) Ranged() bool {
	return strings.Contains(p.Key.KeyPath, "*")
}

// IsRanged reports whether the descriptor text contains a wildcard, without
// a full parse.
func IsRanged(descriptor string) bool {
	return strings.Contains(descriptor, "*")
}

// Parse decodes a descriptor expression. The checksum, when present, is
// verified and dropped.
func Parse(descriptor string) (*Parsed, error) {
	expr, err := splitChecksum(descriptor)
	if err != nil {
		return nil, err
	}
	expr = strings.TrimSpace(expr)

	inner, ok := unwrap(expr, "sh")
	if ok {
		inner2, ok2 := unwrap(inner, "wpkh")
		if !ok2 {
			return nil, fmt.Errorf("%w: unsupported sh() payload in %q", models.ErrInvalidArgument, descriptor)
		}
		key, err := parseKeyExpression(inner2)
		if err != nil {
			return nil, err
		}
		return &Parsed{Type: ScriptShWpkh, Key: key}, nil
	}
	for _, tmpl := range []struct {
		name string
		typ  ScriptType
	}{
		{"pkh", ScriptPkh},
		{"wpkh", ScriptWpkh},
		{"tr", ScriptTr},
	} {
		if inner, ok := unwrap(expr, tmpl.name); ok {
			key, err := parseKeyExpression(inner)
			if err != nil {
				return nil, err
			}
			return &Parsed{Type: tmpl.typ, Key: key}, nil
		}
	}
	if inner, ok := unwrap(expr, "addr"); ok {
		if inner == "" {
			return nil, fmt.Errorf("%w: empty addr()", models.ErrInvalidArgument)
		}
		return &Parsed{Type: ScriptAddr, Address: inner}, nil
	}
	return nil, fmt.Errorf("%w: unsupported descriptor %q", models.ErrInvalidArgument, descriptor)
}

// unwrap strips a "name(...)" wrapper, returning the payload.
func unwrap(expr, name string) (string, bool) {
	if !strings.HasPrefix(expr, name+"(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	return expr[len(name)+1 : len(expr)-1], true
}

// splitChecksum validates and removes a trailing #checksum.
func splitChecksum(descriptor string) (string, error) {
	hash := strings.LastIndexByte(descriptor, '#')
	if hash < 0 {
		return descriptor, nil
	}
	expr, sum := descriptor[:hash], descriptor[hash+1:]
	want, err := Checksum(expr)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", fmt.Errorf("%w: bad descriptor checksum %q (want %q)", models.ErrInvalidArgument, sum, want)
	}
	return expr, nil
}

// parseKeyExpression decodes "[fingerprint/origin]key/path".
func parseKeyExpression(expr string) (KeyExpression, error) {
	var ke KeyExpression

	if strings.HasPrefix(expr, "[") {
		end := strings.IndexByte(expr, ']')
		if end < 0 {
			return ke, fmt.Errorf("%w: unterminated key origin in %q", models.ErrInvalidArgument, expr)
		}
		origin := expr[1:end]
		expr = expr[end+1:]

		slash := strings.IndexByte(origin, '/')
		fingerprint := origin
		path := ""
		if slash >= 0 {
			fingerprint = origin[:slash]
			path = origin[slash:]
		}
		if len(fingerprint) != 8 || !isHex(fingerprint) {
			return ke, fmt.Errorf("%w: bad master fingerprint %q", models.ErrInvalidArgument, fingerprint)
		}
		normPath, err := normalizePath(path)
		if err != nil {
			return ke, err
		}
		ke.MasterFingerprint = strings.ToLower(fingerprint)
		ke.OriginPath = normPath
	}

	// Split the key body from its derivation path at the first '/'.
	slash := strings.IndexByte(expr, '/')
	if slash < 0 {
		ke.Key = expr
	} else {
		ke.Key = expr[:slash]
		normPath, err := normalizePath(expr[slash:])
		if err != nil {
			return ke, err
		}
		ke.KeyPath = normPath
	}
	if ke.Key == "" {
		return ke, fmt.Errorf("%w: empty key expression", models.ErrInvalidArgument)
	}
	if strings.Count(ke.KeyPath, "*") > 1 {
		return ke, fmt.Errorf("%w: more than one wildcard in %q", models.ErrInvalidArgument, ke.KeyPath)
	}
	if i := strings.IndexByte(ke.KeyPath, '*'); i >= 0 && i != len(ke.KeyPath)-1 {
		return ke, fmt.Errorf("%w: wildcard must terminate the path in %q", models.ErrInvalidArgument, ke.KeyPath)
	}
	return ke, nil
}

// normalizePath canonicalizes a derivation path: h markers become ', every
// component is a valid index.
func normalizePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: bad derivation path %q", models.ErrInvalidArgument, path)
	}
	parts := strings.Split(path[1:], "/")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: empty path component in %q", models.ErrInvalidArgument, path)
		}
		b.WriteByte('/')
		if part == "*" {
			b.WriteByte('*')
			continue
		}
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H") {
			hardened = true
			part = part[:len(part)-1]
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || v >= 1<<31 {
			return "", fmt.Errorf("%w: bad path component %q", models.ErrInvalidArgument, part)
		}
		b.WriteString(strconv.FormatUint(v, 10))
		if hardened {
			b.WriteByte('\'')
		}
	}
	return b.String(), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// render writes the canonical text of a parsed descriptor.
func (p *Parsed) render() string {
	if p.Type == ScriptAddr {
		return "addr(" + p.Address + ")"
	}
	var b strings.Builder
	switch p.Type {
	case ScriptPkh:
		b.WriteString("pkh(")
	case ScriptWpkh:
		b.WriteString("wpkh(")
	case ScriptShWpkh:
		b.WriteString("sh(wpkh(")
	case ScriptTr:
		b.WriteString("tr(")
	}
	if p.Key.MasterFingerprint != "" {
		b.WriteByte('[')
		b.WriteString(p.Key.MasterFingerprint)
		b.WriteString(p.Key.OriginPath)
		b.WriteByte(']')
	}
	b.WriteString(p.Key.Key)
	b.WriteString(p.Key.KeyPath)
	b.WriteByte(')')
	if p.Type == ScriptShWpkh {
		b.WriteByte(')')
	}
	return b.String()
}

// Canonicalize normalizes a descriptor so semantically equal inputs collapse
// to one store key. Idempotent; the checksum is stripped.
func Canonicalize(descriptor string) (string, error) {
	parsed, err := Parse(descriptor)
	if err != nil {
		return "", err
	}
	return parsed.render(), nil
}

// CanonicalizeAll canonicalizes a list. When every element was already
// canonical the input slice is returned unchanged, preserving its identity
// for downstream short-circuits.
func CanonicalizeAll(descriptors []string) ([]string, error) {
	out := descriptors
	copied := false
	for i, d := range descriptors {
		canonical, err := Canonicalize(d)
		if err != nil {
			return nil, err
		}
		if canonical == d {
			continue
		}
		if !copied {
			out = make([]string, len(descriptors))
			copy(out, descriptors)
			copied = true
		}
		out[i] = canonical
	}
	return out, nil
}
