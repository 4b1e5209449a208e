// Package contract implements the contract selector (C4): turning a
// validated Signal and the underlying's current option chain into the
// single OptionContract the execution engine should trade. The procedure
// mirrors the teacher's market scanner — filter hard constraints, score the
// survivors, sort, take the best — generalized from "best market to quote"
// to "best contract to trade for this signal".
package contract

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/config"
	"tiger-webhook/internal/pricing"
	"tiger-webhook/pkg/types"
)

// QuoteFetcher fetches a live quote for one instrument. The selector calls
// this only for contracts that already survived the expiry and right
// filters, to avoid pricing out the entire chain on every signal.
type QuoteFetcher func(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error)

// isOpeningTransition reports whether transition opens a new position from
// flat, as opposed to closing an existing one or rolling within a side.
func isOpeningTransition(t types.PositionTransition) bool {
	return t == types.FlatToLong || t == types.FlatToShort
}

// desiredRight maps a PositionTransition to the option right the bridge
// trades for it. Long legs trade calls, short legs trade puts; this holds
// for opens, closes, and same-side rolls alike.
func desiredRight(t types.PositionTransition) (types.Right, error) {
	switch t {
	case types.FlatToLong, types.LongToFlat, types.LongToLong:
		return types.Call, nil
	case types.FlatToShort, types.ShortToFlat, types.ShortToShort:
		return types.Put, nil
	default:
		return "", bridgeerr.New(bridgeerr.Validation, "contract.desiredRight", "transition "+string(t)+" must be decomposed into close+open before selection")
	}
}

type candidate struct {
	contract types.OptionContract
	quote    *types.QuoteSnapshot
	score    float64
}

// Select applies the five-step decision procedure: filter by right, filter
// by expiry window, narrow to the single best expiry, score strikes within
// that expiry (by target Delta when opening, by moneyness when closing or
// rolling), and break ties by open interest then volume.
func Select(ctx context.Context, cfg config.ContractSelectionConfig, spreadCfg config.SpreadConfig, signal types.Signal, chain types.Chain, fetchQuote QuoteFetcher) (*types.OptionContract, error) {
	const op = "contract.Select"

	right, err := desiredRight(signal.PositionTransition)
	if err != nil {
		return nil, err
	}

	byRight := filterByRight(chain.Contracts, right)
	if len(byRight) == 0 {
		return nil, bridgeerr.New(bridgeerr.NoSuitableContract, op, "no contracts of right "+string(right)+" in chain for "+chain.Underlying)
	}

	inWindow := filterByExpiryWindow(byRight, cfg.MinDaysToExpiry, cfg.MaxDaysToExpiry)
	if len(inWindow) == 0 {
		return nil, bridgeerr.New(bridgeerr.NoSuitableContract, op, "no contracts within expiry window for "+chain.Underlying)
	}

	bestExpiry := closestExpiry(inWindow, cfg.TargetDaysToExpiry)
	atExpiry := filterByExpiry(inWindow, bestExpiry)

	opening := isOpeningTransition(signal.PositionTransition)
	candidates := make([]candidate, 0, len(atExpiry))
	for _, c := range atExpiry {
		quote, err := fetchQuote(ctx, c.InstrumentID)
		if err != nil {
			continue // unquotable contract is not a selection failure by itself
		}
		if !pricing.IsSpreadReasonable(quote.Bid, quote.Ask, c.TickSize, decimal.NewFromFloat(spreadCfg.MaxRatio), spreadCfg.MaxTickWidth) {
			continue
		}

		score, ok := scoreCandidate(c, quote, chain.UnderlyingPrice, cfg, opening)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{contract: c, quote: quote, score: score})
	}

	if len(candidates) == 0 {
		return nil, bridgeerr.New(bridgeerr.NoSuitableContract, op, "no contract at expiry survived quote and spread filters")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].contract.OpenInterest != candidates[j].contract.OpenInterest {
			return candidates[i].contract.OpenInterest > candidates[j].contract.OpenInterest
		}
		return candidates[i].contract.Volume > candidates[j].contract.Volume
	})

	best := candidates[0].contract
	return &best, nil
}

func filterByRight(contracts []types.OptionContract, right types.Right) []types.OptionContract {
	out := make([]types.OptionContract, 0, len(contracts))
	for _, c := range contracts {
		if c.Right == right {
			out = append(out, c)
		}
	}
	return out
}

func daysToExpiry(expiry time.Time) int {
	return int(time.Until(expiry).Hours() / 24)
}

func filterByExpiryWindow(contracts []types.OptionContract, minDays, maxDays int) []types.OptionContract {
	out := make([]types.OptionContract, 0, len(contracts))
	for _, c := range contracts {
		d := daysToExpiry(c.Expiry)
		if d >= minDays && d <= maxDays {
			out = append(out, c)
		}
	}
	return out
}

func closestExpiry(contracts []types.OptionContract, targetDays int) time.Time {
	best := contracts[0].Expiry
	bestDiff := math.Abs(float64(daysToExpiry(best) - targetDays))
	for _, c := range contracts[1:] {
		diff := math.Abs(float64(daysToExpiry(c.Expiry) - targetDays))
		if diff < bestDiff {
			best = c.Expiry
			bestDiff = diff
		}
	}
	return best
}

func filterByExpiry(contracts []types.OptionContract, expiry time.Time) []types.OptionContract {
	out := make([]types.OptionContract, 0, len(contracts))
	for _, c := range contracts {
		if c.Expiry.Equal(expiry) {
			out = append(out, c)
		}
	}
	return out
}

// scoreCandidate returns a higher-is-better score for c, or ok=false if c
// cannot be scored under the configured rule (e.g. an unrecognized
// moneyness_rule_close, or a missing Delta on an opening signal).
func scoreCandidate(c types.OptionContract, quote *types.QuoteSnapshot, underlyingPrice decimal.Decimal, cfg config.ContractSelectionConfig, opening bool) (float64, bool) {
	if opening {
		if !quote.HasDelta {
			return 0, false
		}
		target := cfg.TargetDeltaOpen
		delta, _ := quote.Delta.Abs().Float64()
		return -math.Abs(delta - target), true
	}

	switch cfg.MoneynessRuleClose {
	case "", "closest_atm":
		diff, _ := c.Strike.Sub(underlyingPrice).Abs().Float64()
		return -diff, true
	default:
		return 0, false
	}
}
