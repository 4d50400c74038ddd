package descriptor

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// BIP32 test vector 1 master private key.
const testXprv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func TestStandardAccountDescriptors(t *testing.T) {
	master, err := hdkeychain.NewKeyFromString(testXprv)
	if err != nil {
		t.Fatalf("master key: %v", err)
	}

	descriptors, err := StandardAccountDescriptors(master, models.NetworkBitcoin, 0)
	if err != nil {
		t.Fatalf("StandardAccountDescriptors: %v", err)
	}
	if len(descriptors) != 3 {
		t.Fatalf("Descriptor count = %d, want 3 (pkh, sh(wpkh), wpkh)", len(descriptors))
	}

	wantPrefixes := []string{"pkh([", "sh(wpkh([", "wpkh(["}
	wantOrigins := []string{"/44'/0'/0']", "/49'/0'/0']", "/84'/0'/0']"}
	for i, desc := range descriptors {
		if !strings.HasPrefix(desc, wantPrefixes[i]) {
			t.Errorf("descriptors[%d] = %q, want prefix %q", i, desc, wantPrefixes[i])
		}
		if !strings.Contains(desc, wantOrigins[i]) {
			t.Errorf("descriptors[%d] = %q, want origin %q", i, desc, wantOrigins[i])
		}
		if !strings.HasSuffix(desc, "/0/*)") && !strings.HasSuffix(desc, "/0/*))") {
			t.Errorf("descriptors[%d] = %q, want the external branch tail", i, desc)
		}

		// Every standard descriptor is already canonical and derivable.
		canonical, err := Canonicalize(desc)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", desc, err)
		}
		if canonical != desc {
			t.Errorf("Standard descriptor is not canonical: %q -> %q", desc, canonical)
		}
		if _, err := ScriptPubKey(desc, 0, models.NetworkBitcoin); err != nil {
			t.Errorf("ScriptPubKey(%q, 0): %v", desc, err)
		}
	}

	// Distinct accounts derive distinct keys.
	account1, err := StandardAccountDescriptors(master, models.NetworkBitcoin, 1)
	if err != nil {
		t.Fatalf("StandardAccountDescriptors(1): %v", err)
	}
	if account1[0] == descriptors[0] {
		t.Errorf("Account 0 and 1 produced the same descriptor")
	}

	// A public master cannot derive hardened account paths.
	neutered, err := master.Neuter()
	if err != nil {
		t.Fatalf("Neuter: %v", err)
	}
	if _, err := StandardAccountDescriptors(neutered, models.NetworkBitcoin, 0); err == nil {
		t.Errorf("Expected an error for a public master node")
	}
}

func TestStandardAccountCoinTypeByNetwork(t *testing.T) {
	master, err := hdkeychain.NewKeyFromString(testXprv)
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	// The mainnet vector key is rejected for testnet outright.
	if _, err := StandardAccountDescriptors(master, models.NetworkTestnet, 0); err == nil {
		t.Errorf("Expected a network mismatch error for a mainnet master on testnet")
	}

	descriptors, err := StandardAccountDescriptors(master, models.NetworkBitcoin, 0)
	if err != nil {
		t.Fatalf("StandardAccountDescriptors: %v", err)
	}
	for _, desc := range descriptors {
		if !strings.Contains(desc, "'/0'/0']") {
			t.Errorf("Mainnet coin type missing in %q", desc)
		}
	}
}
