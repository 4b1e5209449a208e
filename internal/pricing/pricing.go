// Package pricing implements the pure, deterministic price and spread math
// the progressive execution engine and contract selector depend on (C1).
// Every function here is total on its typed inputs or returns an error
// (ErrInvalidTick for a non-positive tick, or an unknown-round-mode error
// from RoundToTick); none of them touch the network, the clock, or any
// shared state.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
	"tiger-webhook/pkg/types"
)

// ErrInvalidTick is returned whenever tick <= 0.
var ErrInvalidTick = errors.New("pricing: tick must be positive")

var half = decimal.NewFromFloat(0.5)

// RoundToTick snaps price to the nearest multiple of tick, per mode. In
// RoundNearest mode, an exact half-tick distance resolves to the even tick
// (banker's rounding), matching spec §4.1.
func RoundToTick(price, tick decimal.Decimal, mode types.RoundMode) (decimal.Decimal, error) {
	if tick.Sign() <= 0 {
		return decimal.Zero, ErrInvalidTick
	}

	quotient := price.DivRound(tick, 12)
	floor := quotient.Floor()

	switch mode {
	case types.RoundFloor:
		return floor.Mul(tick), nil
	case types.RoundCeil:
		if quotient.Equal(floor) {
			return floor.Mul(tick), nil
		}
		return floor.Add(decimal.New(1, 0)).Mul(tick), nil
	case types.RoundNearest, "":
		diff := quotient.Sub(floor)
		switch {
		case diff.LessThan(half):
			return floor.Mul(tick), nil
		case diff.GreaterThan(half):
			return floor.Add(decimal.New(1, 0)).Mul(tick), nil
		default: // exact tie: round to even
			if floor.Mod(decimal.New(2, 0)).IsZero() {
				return floor.Mul(tick), nil
			}
			return floor.Add(decimal.New(1, 0)).Mul(tick), nil
		}
	default:
		return decimal.Zero, errors.New("pricing: unknown round mode " + string(mode))
	}
}

// SpreadRatio returns (ask-bid)/mid. Only meaningful when bid>0 and ask>0;
// ok is false otherwise and callers must treat the spread as unreasonable.
func SpreadRatio(bid, ask decimal.Decimal) (ratio decimal.Decimal, ok bool) {
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return decimal.Zero, false
	}
	mid := bid.Add(ask).Div(decimal.New(2, 0))
	if mid.Sign() <= 0 {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Div(mid), true
}

// SpreadInTicks returns round((ask-bid)/tick), rounding half away from
// zero (shopspring/decimal's default Round behavior).
func SpreadInTicks(bid, ask, tick decimal.Decimal) (int64, error) {
	if tick.Sign() <= 0 {
		return 0, ErrInvalidTick
	}
	return ask.Sub(bid).DivRound(tick, 8).Round(0).IntPart(), nil
}

// IsSpreadReasonable applies both the ratio and tick-width gates. It is
// monotonic in maxRatio and maxTicks: tightening either threshold can never
// turn an unreasonable spread into a reasonable one.
func IsSpreadReasonable(bid, ask, tick, maxRatio decimal.Decimal, maxTicks int64) bool {
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return false
	}
	ratio, ok := SpreadRatio(bid, ask)
	if !ok || ratio.GreaterThan(maxRatio) {
		return false
	}
	ticks, err := SpreadInTicks(bid, ask, tick)
	if err != nil || ticks > maxTicks {
		return false
	}
	return true
}

// StepPrice returns the limit price for step stepIndex of maxSteps, walking
// from the passive touch (stepIndex 0) to the aggressive touch
// (stepIndex >= maxSteps) for the given side. Intermediate steps linearly
// interpolate between the two touches and round toward the aggressive side.
func StepPrice(bid, ask, tick decimal.Decimal, stepIndex, maxSteps int, side types.Side) (decimal.Decimal, error) {
	if tick.Sign() <= 0 {
		return decimal.Zero, ErrInvalidTick
	}

	passive, aggressive := bid, ask
	if side == types.Sell {
		passive, aggressive = ask, bid
	}

	if maxSteps <= 0 || stepIndex >= maxSteps {
		return RoundToTick(aggressive, tick, types.RoundNearest)
	}
	if stepIndex <= 0 {
		return RoundToTick(passive, tick, types.RoundNearest)
	}

	frac := decimal.New(int64(stepIndex), 0).Div(decimal.New(int64(maxSteps), 0))
	interp := passive.Add(aggressive.Sub(passive).Mul(frac))

	roundMode := types.RoundCeil
	if side == types.Sell {
		roundMode = types.RoundFloor
	}
	return RoundToTick(interp, tick, roundMode)
}
