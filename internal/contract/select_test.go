package contract

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/config"
	"tiger-webhook/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseSelectionConfig() config.ContractSelectionConfig {
	return config.ContractSelectionConfig{
		MinDaysToExpiry:    7,
		MaxDaysToExpiry:    45,
		TargetDaysToExpiry: 30,
		TargetDeltaOpen:    0.30,
		MoneynessRuleClose: "closest_atm",
	}
}

func baseSpreadConfig() config.SpreadConfig {
	return config.SpreadConfig{MaxRatio: 0.5, MaxTickWidth: 10}
}

func contractAt(id string, right types.Right, strike string, days int) types.OptionContract {
	return types.OptionContract{
		InstrumentID: id,
		Underlying:   "SPY",
		Expiry:       time.Now().AddDate(0, 0, days),
		Strike:       d(strike),
		Right:        right,
		TickSize:     d("0.05"),
		Multiplier:   100,
		OpenInterest: 100,
		Volume:       50,
	}
}

func quotesFromDeltas(deltas map[string]string) QuoteFetcher {
	return func(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
		snap := &types.QuoteSnapshot{
			InstrumentID: instrumentID,
			Bid:          d("1.00"),
			Ask:          d("1.05"),
		}
		if delta, ok := deltas[instrumentID]; ok {
			snap.Delta = d(delta)
			snap.HasDelta = true
		}
		return snap, nil
	}
}

func TestSelectOpeningLongPicksClosestToTargetDelta(t *testing.T) {
	t.Parallel()

	chain := types.Chain{
		Underlying:      "SPY",
		UnderlyingPrice: d("500"),
		Contracts: []types.OptionContract{
			contractAt("C-20", types.Call, "510", 30),
			contractAt("C-30", types.Call, "500", 30),
			contractAt("C-50", types.Call, "490", 30),
		},
	}
	fetch := quotesFromDeltas(map[string]string{
		"C-20": "0.20",
		"C-30": "0.30",
		"C-50": "0.50",
	})

	signal := types.Signal{PositionTransition: types.FlatToLong}
	got, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got.InstrumentID != "C-30" {
		t.Errorf("selected %s, want C-30 (delta exactly at target)", got.InstrumentID)
	}
}

func TestSelectClosingPicksClosestATM(t *testing.T) {
	t.Parallel()

	chain := types.Chain{
		Underlying:      "SPY",
		UnderlyingPrice: d("500"),
		Contracts: []types.OptionContract{
			contractAt("P-495", types.Put, "495", 30),
			contractAt("P-500", types.Put, "500", 30),
			contractAt("P-505", types.Put, "505", 30),
		},
	}
	fetch := quotesFromDeltas(nil)

	signal := types.Signal{PositionTransition: types.ShortToFlat}
	got, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got.InstrumentID != "P-500" {
		t.Errorf("selected %s, want P-500 (closest to ATM)", got.InstrumentID)
	}
}

func TestSelectRejectsExpiryOutsideWindow(t *testing.T) {
	t.Parallel()

	chain := types.Chain{
		Underlying: "SPY",
		Contracts: []types.OptionContract{
			contractAt("C-near", types.Call, "500", 1),  // too close
			contractAt("C-far", types.Call, "500", 100), // too far
		},
	}

	signal := types.Signal{PositionTransition: types.FlatToLong}
	_, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, quotesFromDeltas(nil))
	if bridgeerr.KindOf(err) != bridgeerr.NoSuitableContract {
		t.Fatalf("err = %v, want NoSuitableContract", err)
	}
}

func TestSelectRejectsUnreasonableSpread(t *testing.T) {
	t.Parallel()

	chain := types.Chain{
		Underlying:      "SPY",
		UnderlyingPrice: d("500"),
		Contracts:       []types.OptionContract{contractAt("C-1", types.Call, "500", 30)},
	}
	wideSpread := func(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
		return &types.QuoteSnapshot{InstrumentID: instrumentID, Bid: d("1.00"), Ask: d("5.00"), Delta: d("0.30"), HasDelta: true}, nil
	}

	signal := types.Signal{PositionTransition: types.FlatToLong}
	_, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, wideSpread)
	if bridgeerr.KindOf(err) != bridgeerr.NoSuitableContract {
		t.Fatalf("err = %v, want NoSuitableContract", err)
	}
}

func TestSelectRejectsUnsupportedTransitionWithoutDecomposition(t *testing.T) {
	t.Parallel()

	chain := types.Chain{Underlying: "SPY"}
	signal := types.Signal{PositionTransition: types.LongToShort}

	_, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, quotesFromDeltas(nil))
	if bridgeerr.KindOf(err) != bridgeerr.Validation {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestSelectTieBreaksOnOpenInterestThenVolume(t *testing.T) {
	t.Parallel()

	c1 := contractAt("C-low", types.Call, "500", 30)
	c1.OpenInterest = 10
	c2 := contractAt("C-high", types.Call, "500", 30)
	c2.OpenInterest = 500

	chain := types.Chain{Underlying: "SPY", UnderlyingPrice: d("500"), Contracts: []types.OptionContract{c1, c2}}
	fetch := quotesFromDeltas(map[string]string{"C-low": "0.30", "C-high": "0.30"})

	signal := types.Signal{PositionTransition: types.FlatToLong}
	got, err := Select(context.Background(), baseSelectionConfig(), baseSpreadConfig(), signal, chain, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got.InstrumentID != "C-high" {
		t.Errorf("selected %s, want C-high (higher open interest breaks the tie)", got.InstrumentID)
	}
}
