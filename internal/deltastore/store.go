package deltastore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/pkg/types"
)

// Store is the C3 Delta ledger: append-only and idempotent by content on
// (account_id, instrument_id, correlation_id, action), backed by SQLite
// through gorm. The bridge runs as a single process with no other durable
// dependency, so SQLite needs no separate server to operate.
type Store struct {
	db *gorm.DB
}

// Open connects to (and creates, if absent) the SQLite database at path and
// runs the schema migration.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Storage, "deltastore.Open", "open sqlite database", err)
	}
	if err := migrate(db); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Storage, "deltastore.Open", "migrate schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.Storage, "Store.Close", "get underlying db", err)
	}
	return sqlDB.Close()
}

// Upsert appends a DeltaRecord unless a row already exists for the same
// (account_id, instrument_id, correlation_id, action) whose content
// (target/move/observed delta, order ID, TV signal ID) is identical —
// created_at is ignored in that comparison, since C5 and C6 both legitimately
// race to record equivalent observe events and neither should produce a
// duplicate. A genuinely new observation (e.g. a position that actually
// moved) always lands as a new row. The lookup and insert run inside a
// transaction so two concurrent callers can't both see no match and both
// insert.
func (s *Store) Upsert(ctx context.Context, rec types.DeltaRecord) error {
	incoming := toRecord(rec)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []record
		err := tx.
			Where("account_id = ? AND instrument_id = ? AND correlation_id = ? AND action = ?",
				incoming.AccountID, incoming.InstrumentID, incoming.CorrelationID, incoming.Action).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if sameContent(c, incoming) {
				return nil
			}
		}
		return tx.Create(&incoming).Error
	})
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.Storage, "Store.Upsert", "insert delta record", err)
	}
	return nil
}

func sameContent(a, b record) bool {
	return optionalStringEqual(a.TargetDelta, b.TargetDelta) &&
		optionalStringEqual(a.MovePositionDelta, b.MovePositionDelta) &&
		optionalStringEqual(a.ObservedDelta, b.ObservedDelta) &&
		a.OrderID == b.OrderID &&
		a.TVSignalID == b.TVSignalID
}

func optionalStringEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ByAccount returns DeltaRecords for accountID within [since, until),
// newest first.
func (s *Store) ByAccount(ctx context.Context, accountID string, since, until time.Time) ([]types.DeltaRecord, error) {
	var rows []record
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("created_at < ?", until)
	}
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Storage, "Store.ByAccount", "query delta records", err)
	}
	return fromRecords(rows)
}

// LatestByInstrument returns the most recent DeltaRecord for
// (accountID, instrumentID), or nil if none exists.
func (s *Store) LatestByInstrument(ctx context.Context, accountID, instrumentID string) (*types.DeltaRecord, error) {
	var row record
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND instrument_id = ?", accountID, instrumentID).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, bridgeerr.Wrap(bridgeerr.Storage, "Store.LatestByInstrument", "query delta record", err)
	}
	out, err := fromRecord(row)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary aggregates DeltaRecords for accountID within [since, until).
func (s *Store) Summary(ctx context.Context, accountID string, since, until time.Time) (types.DeltaSummary, error) {
	rows, err := s.ByAccount(ctx, accountID, since, until)
	if err != nil {
		return types.DeltaSummary{}, err
	}

	summary := types.DeltaSummary{
		CountByAction:    make(map[types.DeltaAction]int64),
		NetObservedDelta: decimal.Zero,
	}
	for _, r := range rows {
		summary.CountByAction[r.Action]++
		if r.ObservedDelta != nil {
			summary.NetObservedDelta = summary.NetObservedDelta.Add(*r.ObservedDelta)
		}
		if r.CreatedAt.After(summary.LastUpdated) {
			summary.LastUpdated = r.CreatedAt
		}
	}
	return summary, nil
}

// Prune deletes DeltaRecords older than the retention window, returning
// the count deleted. Intended to be called on a daily ticker from the
// bridge's startup goroutine, not from inside a request path.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&record{})
	if result.Error != nil {
		return 0, bridgeerr.Wrap(bridgeerr.Storage, "Store.Prune", "delete expired delta records", result.Error)
	}
	return result.RowsAffected, nil
}

func fromRecords(rows []record) ([]types.DeltaRecord, error) {
	out := make([]types.DeltaRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeOptional(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Malformed, "deltastore.decodeOptional", "parse decimal column", err)
	}
	return &v, nil
}
