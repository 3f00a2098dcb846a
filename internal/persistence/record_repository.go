package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/IliaW/directory-scrape-worker/internal/aws_s3"
	"github.com/IliaW/directory-scrape-worker/internal/cache"
	"github.com/IliaW/directory-scrape-worker/internal/model"
)

var tableName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type RecordStorage interface {
	InsertIfAbsent(context.Context, *model.Record) (bool, error)
	KnownSourceURLs(context.Context) (map[string]struct{}, error)
	Stats(context.Context) (*model.StoreStats, error)
}

// RecordRepository stores records keyed by their unique source_url. Writes are serialized.
// Seen and S3 are optional.
type RecordRepository struct {
	db    *sql.DB
	table string
	seen  cache.SeenCache
	s3    aws_s3.BucketClient
	mu    sync.Mutex
	log   *slog.Logger
}

func NewRecordRepository(db *sql.DB, table string, seen cache.SeenCache, s3 aws_s3.BucketClient,
	log *slog.Logger) (*RecordRepository, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordRepository{db: db, table: table, seen: seen, s3: s3, log: log}, nil
}

func (rr *RecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := rr.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id         BIGINT AUTO_INCREMENT PRIMARY KEY,
    name       VARCHAR(512),
    type       VARCHAR(512),
    address    VARCHAR(512),
    phone      VARCHAR(64),
    email      VARCHAR(320),
    website    VARCHAR(2048),
    source_url VARCHAR(768) NOT NULL,
    scraped_at DATETIME(3),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uq_source_url (source_url)
)`, rr.table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", rr.table, err)
	}
	rr.log.Debug("schema is ready.", slog.String("table", rr.table))
	return nil
}

// InsertIfAbsent reports false, nil when a record with the same source_url is already stored.
func (rr *RecordRepository) InsertIfAbsent(ctx context.Context, record *model.Record) (bool, error) {
	if rr.seen != nil && rr.seen.IsSeen(record.SourceURL) {
		return false, nil
	}
	if record.ScrapedAt.IsZero() {
		record.ScrapedAt = time.Now().UTC()
	}

	rr.mu.Lock()
	res, err := rr.db.ExecContext(ctx, fmt.Sprintf("INSERT IGNORE INTO %s (name, type, address, phone, email, website, source_url, scraped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", rr.table),
		nullable(record.Name),
		nullable(record.Type),
		nullable(record.Address),
		nullable(record.Phone),
		nullable(record.Email),
		nullable(record.Website),
		record.SourceURL,
		record.ScrapedAt)
	rr.mu.Unlock()
	if err != nil {
		rr.log.Error("failed to save record to database.", slog.String("err", err.Error()))
		return false, fmt.Errorf("insert record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rr.seen != nil {
		rr.seen.MarkSeen(record.SourceURL)
	}
	if affected == 0 {
		return false, nil
	}
	rr.log.Debug("record saved to db.", slog.String("url", record.SourceURL))
	if rr.s3 != nil {
		rr.s3.WriteRecord(ctx, record)
	}

	return true, nil
}

func (rr *RecordRepository) KnownSourceURLs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := rr.db.QueryContext(ctx, fmt.Sprintf("SELECT source_url FROM %s", rr.table))
	if err != nil {
		return nil, fmt.Errorf("query source urls: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err = rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan source url: %w", err)
		}
		known[u] = struct{}{}
	}
	return known, rows.Err()
}

func (rr *RecordRepository) Stats(ctx context.Context) (*model.StoreStats, error) {
	var s model.StoreStats
	err := rr.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), COUNT(NULLIF(email, '')), COUNT(NULLIF(website, '')),
COUNT(NULLIF(phone, '')), COUNT(NULLIF(type, '')) FROM %s`, rr.table)).
		Scan(&s.Total, &s.WithEmail, &s.WithWebsite, &s.WithPhone, &s.WithType)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &s, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
