package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/internal/explorer"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// DefaultGapLimit is the number of consecutive unused indices after which a
// ranged walk stops.
const DefaultGapLimit = 20

// FetchRequest describes one discovery run.
type FetchRequest struct {
	// Exactly one of Descriptor / Descriptors is set.
	Descriptor  string
	Descriptors []string
	// Index restricts the walk to one output; only valid with a single
	// ranged Descriptor.
	Index *models.DescriptorIndex
	// GapLimit for ranged walks (default DefaultGapLimit).
	GapLimit int
	// OnChecking is invoked before each output is queried.
	OnChecking func(descriptor string, index models.DescriptorIndex)
	// OnUsed is invoked at most once per supplied descriptor, with the
	// original (pre-canonicalization) input, when its first used output is
	// found in this call.
	OnUsed func(originalInput string)
	// Next, when set, is kicked off once at the first used output found in
	// this call; Fetch waits for it before returning.
	Next func(ctx context.Context) error
}

func (r *FetchRequest) descriptors() ([]string, error) {
	switch {
	case r.Descriptor != "" && r.Descriptors != nil:
		return nil, fmt.Errorf("%w: descriptor and descriptors are mutually exclusive", models.ErrInvalidArgument)
	case r.Descriptor != "":
		return []string{r.Descriptor}, nil
	case len(r.Descriptors) > 0:
		return r.Descriptors, nil
	default:
		return nil, fmt.Errorf("%w: one of descriptor or descriptors is required", models.ErrInvalidArgument)
	}
}

// Fetch discovers every address implied by the request's descriptors:
// per-descriptor gap-limit walk, history fetch, store update, then a
// transaction body backfill when anything turned out used.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) error {
	originals, err := req.descriptors()
	if err != nil {
		return err
	}
	canonicals, err := descriptor.CanonicalizeAll(originals)
	if err != nil {
		return err
	}
	if req.Index != nil {
		if len(canonicals) != 1 {
			return fmt.Errorf("%w: index requires a single descriptor", models.ErrInvalidArgument)
		}
		if !descriptor.IsRanged(canonicals[0]) {
			return fmt.Errorf("%w: index on non-ranged descriptor", models.ErrInvalidArgument)
		}
		if *req.Index < 0 {
			return fmt.Errorf("%w: negative index", models.ErrInvalidArgument)
		}
	}
	gapLimit := req.GapLimit
	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}

	sessionID := newSessionID()
	anyUsed := false
	var nextWG sync.WaitGroup
	var nextErr error
	nextStarted := false

	startNext := func() {
		if nextStarted || req.Next == nil {
			return
		}
		nextStarted = true
		nextWG.Add(1)
		go func() {
			defer nextWG.Done()
			nextErr = req.Next(ctx)
		}()
	}

	for i, canonical := range canonicals {
		original := originals[i]
		preExisted := s.store.Descriptor(s.network, canonical) != nil
		s.store.MarkDescriptorFetching(s.network, canonical)

		used, err := s.walkDescriptor(ctx, canonical, original, gapLimit, req, sessionID, startNext)
		if err != nil {
			if !preExisted {
				s.store.RemoveDescriptorIfEmpty(s.network, canonical)
			}
			nextWG.Wait()
			return err
		}
		anyUsed = anyUsed || used
		s.store.FinishDescriptor(s.network, canonical, s.now())
	}

	if anyUsed {
		if err := s.fetchTxs(ctx); err != nil {
			nextWG.Wait()
			return err
		}
	}

	nextWG.Wait()
	s.emit(Event{Type: EventFetchComplete, SessionID: sessionID})
	if nextErr != nil {
		return nextErr
	}
	return nil
}

// walkDescriptor runs the per-descriptor walk and reports whether any
// output was used.
func (s *Service) walkDescriptor(ctx context.Context, canonical, original string, gapLimit int, req FetchRequest, sessionID string, startNext func()) (bool, error) {
	descUsed := false
	check := func(index models.DescriptorIndex) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if req.OnChecking != nil {
			req.OnChecking(canonical, index)
		}
		idx := index
		s.emit(Event{Type: EventChecking, SessionID: sessionID, Descriptor: canonical, Index: &idx})
		used, err := s.fetchOutput(ctx, canonical, index)
		if err != nil {
			return false, err
		}
		if used {
			if !descUsed {
				descUsed = true
				if req.OnUsed != nil {
					req.OnUsed(original)
				}
				startNext()
			}
			s.emit(Event{Type: EventOutputUsed, SessionID: sessionID, Descriptor: canonical, Index: &idx})
		}
		return used, nil
	}

	if !descriptor.IsRanged(canonical) {
		_, err := check(models.NonRanged)
		return descUsed, err
	}
	if req.Index != nil {
		_, err := check(*req.Index)
		return descUsed, err
	}

	gap := 0
	for index := models.DescriptorIndex(0); gap < gapLimit; index++ {
		used, err := check(index)
		if err != nil {
			return descUsed, err
		}
		if used {
			gap = 0
		} else {
			gap++
		}
	}
	return descUsed, nil
}

// fetchOutput discovers one output slot: derive the script, guarantee
// scriptPubKey uniqueness for fresh slots, pull the history and commit it.
// A fresh slot whose history comes back empty is not retained.
func (s *Service) fetchOutput(ctx context.Context, canonical string, index models.DescriptorIndex) (bool, error) {
	script, err := s.deriver.ScriptPubKey(s.network, canonical, index)
	if err != nil {
		return false, err
	}

	hash := scriptHash(script)
	if aware, ok := s.explorer.(explorer.ScriptAware); ok {
		aware.NoteScript(hash, script)
	}

	created := false
	if s.store.Output(s.network, canonical, index) == nil {
		if err := s.ensureScriptPubKeyUniqueness(canonical, index, script); err != nil {
			return false, err
		}
		s.store.CreateOutput(s.network, canonical, index)
		created = true
	} else {
		s.store.MarkOutputFetching(s.network, canonical, index)
	}

	history, err := s.explorer.FetchTxHistory(ctx, hash)
	if err != nil {
		if created {
			s.store.RemoveOutput(s.network, canonical, index)
		} else {
			s.store.ClearOutputFetching(s.network, canonical, index)
		}
		return false, &models.ExplorerError{Op: "fetch_tx_history", Err: err}
	}

	if len(history) == 0 && created {
		s.store.RemoveOutput(s.network, canonical, index)
		return false, nil
	}
	s.store.CommitOutputHistory(s.network, canonical, index, history, s.now())
	return len(history) > 0, nil
}

// fetchTxs backfills every referenced transaction body that is still
// missing, writing them all in one final store edit.
func (s *Service) fetchTxs(ctx context.Context) error {
	root := s.store.Snapshot()
	netData := root[s.network]
	if netData == nil {
		return nil
	}

	missing := make(map[string]struct{})
	for _, descData := range netData.DescriptorMap {
		for _, out := range descData.Range {
			for _, txID := range out.TxIDs {
				td := netData.TxMap[txID]
				if td == nil || td.TxHex == "" {
					missing[txID] = struct{}{}
				}
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	bodies := make(map[string]string, len(missing))
	for txID := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.explorer.FetchTx(ctx, txID)
		if err != nil {
			return &models.ExplorerError{Op: "fetch_tx", Err: err}
		}
		bodies[txID] = hex.EncodeToString(raw)
	}
	s.store.SetTxBodies(s.network, bodies)
	return nil
}
