package discovery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// StandardAccountsRequest drives FetchStandardAccounts.
type StandardAccountsRequest struct {
	// MasterNode is the BIP32 root the standard accounts derive from.
	MasterNode *hdkeychain.ExtendedKey
	// GapLimit for the per-descriptor walks (default DefaultGapLimit).
	GapLimit int
	// OnAccountChecking is invoked before an account number is queried.
	OnAccountChecking func(account uint32)
	// OnAccountUsed is invoked when an account number turns out used.
	OnAccountUsed func(account uint32)
}

// FetchStandardAccounts discovers the three standard single-sig script
// types (BIP 44 pkh, BIP 49 sh(wpkh), BIP 84 wpkh) across incrementing
// account numbers until a whole account comes back unused. For every used
// account, discovery of the following one is kicked off through the fetch
// chain's Next hook.
func (s *Service) FetchStandardAccounts(ctx context.Context, req StandardAccountsRequest) error {
	if req.MasterNode == nil {
		return fmt.Errorf("%w: nil master node", models.ErrInvalidArgument)
	}
	return s.fetchAccount(ctx, req, 0)
}

func (s *Service) fetchAccount(ctx context.Context, req StandardAccountsRequest, account uint32) error {
	externals, err := descriptor.StandardAccountDescriptors(req.MasterNode, s.network, account)
	if err != nil {
		return err
	}
	if req.OnAccountChecking != nil {
		req.OnAccountChecking(account)
	}

	// Both branches of every script type: finding change without external
	// history still counts the account as used.
	var descriptors []string
	for _, external := range externals {
		_, internal, err := descriptor.AccountDescriptors(external)
		if err != nil {
			return err
		}
		descriptors = append(descriptors, external, internal)
	}

	used := false
	err = s.Fetch(ctx, FetchRequest{
		Descriptors: descriptors,
		GapLimit:    req.GapLimit,
		OnUsed: func(string) {
			used = true
		},
		Next: func(ctx context.Context) error {
			return s.fetchAccount(ctx, req, account+1)
		},
	})
	if err != nil {
		return err
	}
	if used && req.OnAccountUsed != nil {
		req.OnAccountUsed(account)
	}
	return nil
}
