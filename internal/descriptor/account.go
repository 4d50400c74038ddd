package descriptor

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// An account is the external-branch descriptor (key path /0/*) standing for
// the {/0/*, /1/*} pair that shares every other component.

const (
	externalSuffix = "/0/*"
	internalSuffix = "/1/*"
)

// AccountOf maps a descriptor to its account representative. The second
// return is false when the descriptor is not part of an external/internal
// pair (no /0/* or /1/* tail).
func AccountOf(descriptor string) (string, bool, error) {
	parsed, err := Parse(descriptor)
	if err != nil {
		return "", false, err
	}
	switch {
	case strings.HasSuffix(parsed.Key.KeyPath, externalSuffix):
		return parsed.render(), true, nil
	case strings.HasSuffix(parsed.Key.KeyPath, internalSuffix):
		branch := *parsed
		branch.Key.KeyPath = strings.TrimSuffix(parsed.Key.KeyPath, internalSuffix) + externalSuffix
		return branch.render(), true, nil
	}
	return "", false, nil
}

// AccountDescriptors returns the external and internal descriptors of an
// account.
func AccountDescriptors(account string) (external, internal string, err error) {
	parsed, err := Parse(account)
	if err != nil {
		return "", "", err
	}
	if !strings.HasSuffix(parsed.Key.KeyPath, externalSuffix) {
		return "", "", fmt.Errorf("%w: %q is not an account (missing %s tail)",
			models.ErrInvalidArgument, account, externalSuffix)
	}
	change := *parsed
	change.Key.KeyPath = strings.TrimSuffix(parsed.Key.KeyPath, externalSuffix) + internalSuffix
	return parsed.render(), change.render(), nil
}

// StandardAccountDescriptors derives the three standard single-sig account
// descriptors (BIP 44 pkh, BIP 49 sh(wpkh), BIP 84 wpkh) for one account
// number under a master node, with full key origin information.
func StandardAccountDescriptors(master *hdkeychain.ExtendedKey, network models.NetworkID, account uint32) ([]string, error) {
	if !master.IsPrivate() {
		return nil, fmt.Errorf("%w: standard account derivation needs a private master node", models.ErrInvalidArgument)
	}
	params, err := network.ChainParams()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	if !master.IsForNet(params) {
		return nil, fmt.Errorf("%w: master node is not for %s", models.ErrInvalidArgument, network)
	}

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := hex.EncodeToString(btcutil.Hash160(masterPub.SerializeCompressed())[:4])

	coinType := uint32(1)
	if network == models.NetworkBitcoin {
		coinType = 0
	}

	type template struct {
		purpose uint32
		format  string
	}
	templates := []template{
		{44, "pkh([%s/44'/%d'/%d']%s/0/*)"},
		{49, "sh(wpkh([%s/49'/%d'/%d']%s/0/*))"},
		{84, "wpkh([%s/84'/%d'/%d']%s/0/*)"},
	}

	descriptors := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		accountKey := master
		for _, step := range []uint32{tmpl.purpose, coinType, account} {
			accountKey, err = accountKey.Derive(hdkeychain.HardenedKeyStart + step)
			if err != nil {
				return nil, fmt.Errorf("derive account %d purpose %d: %w", account, tmpl.purpose, err)
			}
		}
		neutered, err := accountKey.Neuter()
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors,
			fmt.Sprintf(tmpl.format, fingerprint, coinType, account, neutered.String()))
	}
	return descriptors, nil
}
