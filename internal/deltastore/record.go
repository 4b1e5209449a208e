// Package deltastore implements the append-only Delta ledger (C3): every
// target, open, close, adjust, and observed Delta value the bridge computes
// or sees from the broker is written here and never mutated afterward.
package deltastore

import (
	"time"

	"gorm.io/gorm"

	"tiger-webhook/pkg/types"
)

// record is the GORM model backing one DeltaRecord. Decimal fields are
// stored as strings — SQLite has no native arbitrary-precision numeric
// type, and round-tripping through float64 would silently lose precision.
type record struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	AccountID         string    `gorm:"index:idx_delta_lookup;not null"`
	InstrumentID      string    `gorm:"index:idx_delta_lookup;index;not null"`
	CorrelationID     string    `gorm:"index:idx_delta_lookup"`
	Action            string    `gorm:"index:idx_delta_lookup;not null"`
	TargetDelta       *string
	MovePositionDelta *string
	ObservedDelta     *string
	OrderID           string
	TVSignalID        string
	CreatedAt         time.Time `gorm:"index;autoCreateTime"`
}

func (record) TableName() string { return "delta_records" }

func toRecord(r types.DeltaRecord) record {
	out := record{
		AccountID:     r.AccountID,
		InstrumentID:  r.InstrumentID,
		CorrelationID: r.CorrelationID,
		Action:        string(r.Action),
		OrderID:       r.OrderID,
		TVSignalID:    r.TVSignalID,
		CreatedAt:     r.CreatedAt,
	}
	if r.TargetDelta != nil {
		s := r.TargetDelta.String()
		out.TargetDelta = &s
	}
	if r.MovePositionDelta != nil {
		s := r.MovePositionDelta.String()
		out.MovePositionDelta = &s
	}
	if r.ObservedDelta != nil {
		s := r.ObservedDelta.String()
		out.ObservedDelta = &s
	}
	return out
}

func fromRecord(r record) (types.DeltaRecord, error) {
	out := types.DeltaRecord{
		ID:            int64(r.ID),
		AccountID:     r.AccountID,
		InstrumentID:  r.InstrumentID,
		CorrelationID: r.CorrelationID,
		Action:        types.DeltaAction(r.Action),
		OrderID:       r.OrderID,
		TVSignalID:    r.TVSignalID,
		CreatedAt:     r.CreatedAt,
	}
	var err error
	if out.TargetDelta, err = decodeOptional(r.TargetDelta); err != nil {
		return types.DeltaRecord{}, err
	}
	if out.MovePositionDelta, err = decodeOptional(r.MovePositionDelta); err != nil {
		return types.DeltaRecord{}, err
	}
	if out.ObservedDelta, err = decodeOptional(r.ObservedDelta); err != nil {
		return types.DeltaRecord{}, err
	}
	return out, nil
}

// migrate creates the delta_records table and its lookup indexes if they do
// not already exist. Idempotency is enforced in Upsert by content
// comparison, not by a database-level unique constraint: the nullable delta
// columns make NULL-vs-NULL comparisons in a unique index unreliable, since
// SQL treats two NULLs as distinct for uniqueness purposes.
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&record{})
}
