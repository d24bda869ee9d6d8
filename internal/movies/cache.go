package movies

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnScope        = "scope"
	columnImdbID       = "imdb_id"
	queryScope         = columnScope + " = ?"
	queryReleasedAfter = "CAST(year AS INTEGER) > ?"
	orderYearAsc       = "year ASC, seq ASC"
	orderInserted      = "seq ASC"
	reasonMissingDB    = "missing_database"
	reasonQueryFailed  = "query_failed"
	reasonWriteFailed  = "write_failed"
	reasonDeleteFailed = "delete_failed"
)

// CacheConfig describes the dependencies of the local movie cache.
type CacheConfig struct {
	Database *gorm.DB
	// ReleaseYearThreshold excludes records released in or before this year from page reads.
	ReleaseYearThreshold int
	Logger               *zap.Logger
}

// PageQuery selects a window of cached records within one scope.
type PageQuery struct {
	Scope     string
	Ascending bool
	Offset    int
	Limit     int
}

// CacheStore persists catalog search hits in SQLite.
type CacheStore struct {
	db        *gorm.DB
	threshold int
	logger    *zap.Logger
}

// NewCacheStore constructs a cache store over an already migrated database.
func NewCacheStore(cfg CacheConfig) (*CacheStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCacheNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheStore{
		db:        cfg.Database,
		threshold: cfg.ReleaseYearThreshold,
		logger:    logger,
	}, nil
}

// UpsertAll inserts records into scope, replacing any existing row that shares an identifier.
func (s *CacheStore) UpsertAll(ctx context.Context, scope string, records []MovieRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertRecords(tx, scope, records)
	})
	if err != nil {
		s.logError(opCacheUpsert, reasonWriteFailed, err,
			zap.String("scope", scope),
			zap.Int("records", len(records)))
		return newServiceError(opCacheUpsert, reasonWriteFailed, err)
	}
	return nil
}

// ReplaceAll clears scope and inserts records in a single transaction.
func (s *CacheStore) ReplaceAll(ctx context.Context, scope string, records []MovieRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryScope, scope).Delete(&MovieRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return upsertRecords(tx, scope, records)
	})
	if err != nil {
		s.logError(opCacheReplace, reasonWriteFailed, err,
			zap.String("scope", scope),
			zap.Int("records", len(records)))
		return newServiceError(opCacheReplace, reasonWriteFailed, err)
	}
	return nil
}

// Page reads records released after the configured threshold.
func (s *CacheStore) Page(ctx context.Context, query PageQuery) ([]MovieRecord, error) {
	order := orderInserted
	if query.Ascending {
		order = orderYearAsc
	}
	statement := s.db.WithContext(ctx).
		Where(queryScope, query.Scope).
		Where(queryReleasedAfter, s.threshold).
		Order(order).
		Offset(query.Offset)
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []MovieRecord
	if err := statement.Find(&records).Error; err != nil {
		s.logError(opCachePage, reasonQueryFailed, err,
			zap.String("scope", query.Scope),
			zap.Int("offset", query.Offset),
			zap.Int("limit", query.Limit))
		return nil, newServiceError(opCachePage, reasonQueryFailed, err)
	}
	return records, nil
}

// Count returns the number of cached records across every scope, regardless of release year.
func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MovieRecord{}).Count(&count).Error; err != nil {
		s.logError(opCacheCount, reasonQueryFailed, err)
		return 0, newServiceError(opCacheCount, reasonQueryFailed, err)
	}
	return count, nil
}

// ClearAll deletes every cached record in every scope.
func (s *CacheStore) ClearAll(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&MovieRecord{}).Error
	if err != nil {
		s.logError(opCacheClear, reasonDeleteFailed, err)
		return newServiceError(opCacheClear, reasonDeleteFailed, err)
	}
	return nil
}

// ClearScope deletes the cached records of a single scope.
func (s *CacheStore) ClearScope(ctx context.Context, scope string) error {
	if err := s.db.WithContext(ctx).Where(queryScope, scope).Delete(&MovieRecord{}).Error; err != nil {
		s.logError(opCacheClear, reasonDeleteFailed, err, zap.String("scope", scope))
		return newServiceError(opCacheClear, reasonDeleteFailed, err)
	}
	return nil
}

func upsertRecords(tx *gorm.DB, scope string, records []MovieRecord) error {
	var maxSeq int64
	if err := tx.Model(&MovieRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return err
	}
	positions := make(map[string]int, len(records))
	rows := make([]MovieRecord, 0, len(records))
	for _, record := range records {
		maxSeq++
		record.Scope = scope
		record.Seq = maxSeq
		if index, seen := positions[record.ImdbID]; seen {
			rows[index] = record
			continue
		}
		positions[record.ImdbID] = len(rows)
		rows = append(rows, record)
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnScope}, {Name: columnImdbID}},
		UpdateAll: true,
	}).Create(&rows).Error
}

func (s *CacheStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("movie cache error", attrs...)
}
