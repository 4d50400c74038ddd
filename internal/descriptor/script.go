package descriptor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// ScriptPubKey derives the output script of a descriptor at a child index.
// Ranged descriptors require a non-negative index; non-ranged descriptors
// require models.NonRanged.
func ScriptPubKey(descriptor string, index models.DescriptorIndex, network models.NetworkID) ([]byte, error) {
	params, err := network.ChainParams()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	parsed, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}
	if parsed.Ranged() && index == models.NonRanged {
		return nil, fmt.Errorf("%w: ranged descriptor %q needs an index", models.ErrInvalidArgument, descriptor)
	}
	if !parsed.Ranged() && index != models.NonRanged {
		return nil, fmt.Errorf("%w: index %s on non-ranged descriptor %q", models.ErrInvalidArgument, index, descriptor)
	}

	if parsed.Type == ScriptAddr {
		addr, err := btcutil.DecodeAddress(parsed.Address, params)
		if err != nil {
			return nil, fmt.Errorf("%w: bad address %q: %v", models.ErrInvalidArgument, parsed.Address, err)
		}
		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("%w: address %q is not for %s", models.ErrInvalidArgument, parsed.Address, network)
		}
		return txscript.PayToAddrScript(addr)
	}

	pub, err := resolvePubKey(parsed.Key, index, params)
	if err != nil {
		return nil, err
	}

	switch parsed.Type {
	case ScriptPkh:
		addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)
	case ScriptWpkh:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)
	case ScriptShWpkh:
		witness, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return nil, err
		}
		witnessScript, err := txscript.PayToAddrScript(witness)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(witnessScript, params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)
	case ScriptTr:
		return txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(pub))
	}
	return nil, fmt.Errorf("%w: unsupported script type", models.ErrInvalidArgument)
}

// resolvePubKey evaluates a key expression at index.
func resolvePubKey(ke KeyExpression, index models.DescriptorIndex, params *chaincfg.Params) (*btcec.PublicKey, error) {
	// Extended key with derivation path.
	if key, err := hdkeychain.NewKeyFromString(ke.Key); err == nil {
		if !key.IsForNet(params) {
			return nil, fmt.Errorf("%w: extended key is not for %s", models.ErrInvalidArgument, params.Name)
		}
		derived, err := deriveAlongPath(key, ke.KeyPath, index)
		if err != nil {
			return nil, err
		}
		return derived.ECPubKey()
	}
	if ke.KeyPath != "" {
		return nil, fmt.Errorf("%w: derivation path on a non-extended key", models.ErrInvalidArgument)
	}

	// WIF private key.
	if wif, err := btcutil.DecodeWIF(ke.Key); err == nil {
		if !wif.IsForNet(params) {
			return nil, fmt.Errorf("%w: WIF key is not for %s", models.ErrInvalidArgument, params.Name)
		}
		return wif.PrivKey.PubKey(), nil
	}

	// Hex-encoded public key.
	raw, err := hex.DecodeString(ke.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognized key %q", models.ErrInvalidArgument, ke.Key)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key: %v", models.ErrInvalidArgument, err)
	}
	return pub, nil
}

// deriveAlongPath walks a normalized derivation path, substituting the
// wildcard with index.
func deriveAlongPath(key *hdkeychain.ExtendedKey, path string, index models.DescriptorIndex) (*hdkeychain.ExtendedKey, error) {
	if path == "" {
		return key, nil
	}
	for _, part := range strings.Split(path[1:], "/") {
		var child uint32
		switch {
		case part == "*":
			child = uint32(index)
		case strings.HasSuffix(part, "'"):
			if !key.IsPrivate() {
				return nil, fmt.Errorf("%w: hardened step %q from a public key", models.ErrInvalidArgument, part)
			}
			v, err := strconv.ParseUint(part[:len(part)-1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad path step %q", models.ErrInvalidArgument, part)
			}
			child = hdkeychain.HardenedKeyStart + uint32(v)
		default:
			v, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad path step %q", models.ErrInvalidArgument, part)
			}
			child = uint32(v)
		}
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("derive %q: %w", part, err)
		}
		key = next
	}
	return key, nil
}
