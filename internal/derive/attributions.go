package derive

import (
	"fmt"
	"strings"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Attributions derives the wallet's role in each transaction of the
// criteria's history: which inputs and outputs it owned, the net amount
// received (exact satoshi arithmetic) and the transaction type.
func (d *Deriver) Attributions(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, c Criteria) ([]models.TxAttribution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	netData := root[network]
	slot := d.aggregateSlot(network, status, c)
	if netData != nil && slot.lastAttrNet == netData && slot.attributions != nil {
		return slot.attributions, nil
	}

	history, err := d.historyForCriteriaLocked(root, network, status, c)
	if err != nil {
		return nil, err
	}
	aggregate, err := d.utxosAndBalanceLocked(root, network, status, c)
	if err != nil {
		return nil, err
	}

	// Owned txos: every utxo plus the "{txid}:{vout}" prefix of every stxo.
	owned := make(map[string]struct{}, len(aggregate.Utxos)+len(aggregate.Stxos))
	for _, utxo := range aggregate.Utxos {
		owned[utxo] = struct{}{}
	}
	for _, stxo := range aggregate.Stxos {
		parts := strings.SplitN(stxo, ":", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("malformed stxo %q", stxo)
		}
		owned[parts[0]+":"+parts[1]] = struct{}{}
	}

	attributions := make([]models.TxAttribution, 0, len(history))
	for _, entry := range history {
		attribution, err := d.attributeLocked(netData, entry, owned)
		if err != nil {
			return nil, err
		}
		attributions = append(attributions, attribution)
	}
	slot.attributions = attributions
	slot.lastAttrNet = netData
	return attributions, nil
}

func (d *Deriver) attributeLocked(netData *models.NetworkData, entry *TxEntry, owned map[string]struct{}) (models.TxAttribution, error) {
	var zero models.TxAttribution
	if entry.Data.TxHex == "" {
		return zero, fmt.Errorf("%w: tx %s", models.ErrMissingTxHex, entry.TxID)
	}
	parsed, err := d.txFromHexLocked(entry.Data.TxHex)
	if err != nil {
		return zero, err
	}

	var ownedIn, ownedOut int64
	ins := make([]models.AttributedInput, 0, len(parsed.MsgTx.TxIn))
	someInOwned, someInForeign := false, false
	for _, in := range parsed.MsgTx.TxIn {
		prevTxID := in.PreviousOutPoint.Hash.String()
		prevVout := in.PreviousOutPoint.Index
		prevTxo := fmt.Sprintf("%s:%d", prevTxID, prevVout)
		attributed := models.AttributedInput{PrevTxID: prevTxID, PrevVout: prevVout}
		if _, ok := owned[prevTxo]; ok {
			attributed.OwnedPrevTxo = true
			someInOwned = true
			value, err := d.prevOutputValueLocked(netData, prevTxID, prevVout)
			if err != nil {
				return zero, err
			}
			attributed.Value = value
			ownedIn += value
		} else {
			someInForeign = true
		}
		ins = append(ins, attributed)
	}

	txID := parsed.TxIDHex()
	outs := make([]models.AttributedOutput, 0, len(parsed.MsgTx.TxOut))
	someOutOwned, someOutForeign := false, false
	for vout, out := range parsed.MsgTx.TxOut {
		attributed := models.AttributedOutput{Value: out.Value}
		if _, ok := owned[fmt.Sprintf("%s:%d", txID, vout)]; ok {
			attributed.OwnedTxo = true
			someOutOwned = true
			ownedOut += out.Value
		} else {
			someOutForeign = true
		}
		outs = append(outs, attributed)
	}

	var attributionType models.TxAttributionType
	switch {
	case someInOwned && !someInForeign && someOutOwned && !someOutForeign:
		attributionType = models.AttributionConsolidated
	case someInOwned && someInForeign && someOutOwned && someOutForeign:
		attributionType = models.AttributionReceivedAndSent
	case someInOwned && someOutForeign:
		attributionType = models.AttributionSent
	case someInForeign && someOutOwned:
		attributionType = models.AttributionReceived
	default:
		return zero, fmt.Errorf("%w: tx %s", models.ErrUnknownTransactionType, entry.TxID)
	}

	return models.TxAttribution{
		TxID:        txID,
		TxData:      entry.Data,
		Ins:         ins,
		Outs:        outs,
		NetReceived: ownedOut - ownedIn,
		Type:        attributionType,
	}, nil
}

// prevOutputValueLocked looks up the value of a spent output in the store's
// tx map.
func (d *Deriver) prevOutputValueLocked(netData *models.NetworkData, prevTxID string, prevVout uint32) (int64, error) {
	prevData := netData.TxMap[prevTxID]
	if prevData == nil {
		return 0, fmt.Errorf("%w: prev tx %s", models.ErrMissingTxData, prevTxID)
	}
	if prevData.TxHex == "" {
		return 0, fmt.Errorf("%w: prev tx %s", models.ErrMissingTxHex, prevTxID)
	}
	parsed, err := d.txFromHexLocked(prevData.TxHex)
	if err != nil {
		return 0, err
	}
	if int(prevVout) >= len(parsed.MsgTx.TxOut) {
		return 0, fmt.Errorf("prev tx %s has no output %d", prevTxID, prevVout)
	}
	return parsed.MsgTx.TxOut[prevVout].Value, nil
}
