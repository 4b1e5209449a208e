package types

import "testing"

func TestSideConstants(t *testing.T) {
	t.Parallel()

	if Buy == Sell {
		t.Fatal("Buy and Sell must be distinct")
	}
}

func TestDeltaRecordNullableFields(t *testing.T) {
	t.Parallel()

	rec := DeltaRecord{
		AccountID:    "acct-1",
		InstrumentID: "XYZ-250117-100-C",
		Action:       ActionObserve,
	}
	if rec.TargetDelta != nil || rec.MovePositionDelta != nil || rec.ObservedDelta != nil {
		t.Fatal("zero-value DeltaRecord should carry nil optional deltas")
	}
}
