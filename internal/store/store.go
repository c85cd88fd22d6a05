package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Record is one compressed document of a batch run.
type Record struct {
	ID               int64     `json:"id"`
	RunID            string    `json:"run_id"`
	Timestamp        time.Time `json:"timestamp"`
	SourcePath       string    `json:"source_path"`
	DocumentID       string    `json:"document_id"`
	OriginalTokens   int       `json:"original_tokens"`
	CompressedTokens int       `json:"compressed_tokens"`
	TokensSaved      int       `json:"tokens_saved"`
	CostSavedUSD     float64   `json:"cost_saved_usd"`
	ProcessingTimeMS float64   `json:"processing_time_ms"`
	CacheHit         bool      `json:"cache_hit"`
}

// Stats represents aggregated savings.
type Stats struct {
	Documents        int     `json:"documents"`
	Runs             int     `json:"runs"`
	CacheHits        int     `json:"cache_hits"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	TokensSaved      int     `json:"tokens_saved"`
	CostSavedUSD     float64 `json:"cost_saved_usd"`
	AvgProcessingMS  float64 `json:"avg_processing_ms"`
}

// Ratio returns the overall compression ratio, or 1 when nothing was stored.
func (s Stats) Ratio() float64 {
	if s.CompressedTokens == 0 {
		return 1
	}
	return float64(s.OriginalTokens) / float64(s.CompressedTokens)
}

// RunStats represents per-run statistics.
type RunStats struct {
	RunID        string    `json:"run_id"`
	Started      time.Time `json:"started"`
	Documents    int       `json:"documents"`
	CacheHits    int       `json:"cache_hits"`
	TokensSaved  int       `json:"tokens_saved"`
	CostSavedUSD float64   `json:"cost_saved_usd"`
}

// DailySavings represents aggregated savings for a single day.
type DailySavings struct {
	Date         string  `json:"date"`
	Documents    int     `json:"documents"`
	TokensSaved  int     `json:"tokens_saved"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
}

// Store records batch results in SQLite or PostgreSQL.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	recordCh chan *Record
	done     chan struct{}
}

const createTableSQLite = `
CREATE TABLE IF NOT EXISTS results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id             TEXT NOT NULL,
	timestamp          DATETIME NOT NULL DEFAULT (datetime('now')),
	source_path        TEXT NOT NULL,
	document_id        TEXT NOT NULL DEFAULT '',
	original_tokens    INTEGER NOT NULL DEFAULT 0,
	compressed_tokens  INTEGER NOT NULL DEFAULT 0,
	tokens_saved       INTEGER NOT NULL DEFAULT 0,
	cost_saved_usd     REAL NOT NULL DEFAULT 0,
	processing_time_ms REAL NOT NULL DEFAULT 0,
	cache_hit          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_results_timestamp ON results(timestamp);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
`

// postgresCreateStatements are executed one at a time (PostgreSQL cannot run
// multiple DDL statements in a single Exec call as reliably as SQLite).
var postgresCreateStatements = []string{
	`CREATE TABLE IF NOT EXISTS results (
		id                 BIGSERIAL PRIMARY KEY,
		run_id             TEXT NOT NULL,
		timestamp          TIMESTAMP NOT NULL DEFAULT NOW(),
		source_path        TEXT NOT NULL,
		document_id        TEXT NOT NULL DEFAULT '',
		original_tokens    INTEGER NOT NULL DEFAULT 0,
		compressed_tokens  INTEGER NOT NULL DEFAULT 0,
		tokens_saved       INTEGER NOT NULL DEFAULT 0,
		cost_saved_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
		processing_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		cache_hit          INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_timestamp ON results(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id)`,
}

// New creates a new Store and initializes the schema.
func New(dsn string) (*Store, error) {
	db, dialect, err := OpenDB(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createSchema(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:       db,
		dialect:  dialect,
		recordCh: make(chan *Record, 256),
		done:     make(chan struct{}),
	}
	go s.batchWriter()
	return s, nil
}

func createSchema(db *sql.DB, dialect Dialect) error {
	if dialect == DialectPostgres {
		for _, stmt := range postgresCreateStatements {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("exec DDL: %w", err)
			}
		}
		return nil
	}
	_, err := db.Exec(createTableSQLite)
	return err
}

// Dialect returns the dialect used by this store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB returns the underlying *sql.DB for use by other packages (e.g., doctor).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close flushes pending async writes and closes the database connection.
func (s *Store) Close() error {
	close(s.recordCh)
	<-s.done
	return s.db.Close()
}

// InsertAsync queues a record for asynchronous batch insertion.
// If the channel is full, it falls back to a synchronous insert.
func (s *Store) InsertAsync(r *Record) {
	select {
	case s.recordCh <- r:
	default:
		if err := s.Insert(r); err != nil {
			log.Printf("ERROR: async fallback insert failed: %v", err)
		}
	}
}

// batchWriter drains the record channel, flushing in batches of up to 50
// or after 1 second of inactivity.
func (s *Store) batchWriter() {
	defer close(s.done)

	const maxBatch = 50
	buf := make([]*Record, 0, maxBatch)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.recordCh:
			if !ok {
				if len(buf) > 0 {
					s.insertBatch(buf)
				}
				return
			}
			buf = append(buf, r)
			if len(buf) >= maxBatch {
				s.insertBatch(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				s.insertBatch(buf)
				buf = buf[:0]
			}
		}
	}
}

const insertResultSQL = `INSERT INTO results (run_id, timestamp, source_path, document_id, original_tokens, compressed_tokens, tokens_saved, cost_saved_usd, processing_time_ms, cache_hit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *Record) args() []any {
	return []any{
		r.RunID, fmtTime(r.Timestamp), r.SourcePath, r.DocumentID,
		r.OriginalTokens, r.CompressedTokens, r.TokensSaved,
		r.CostSavedUSD, r.ProcessingTimeMS, boolInt(r.CacheHit),
	}
}

// insertBatch inserts multiple records in a single transaction.
func (s *Store) insertBatch(records []*Record) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("ERROR: begin batch tx: %v", err)
		return
	}

	stmt, err := tx.Prepare(Rebind(s.dialect, insertResultSQL))
	if err != nil {
		log.Printf("ERROR: prepare batch stmt: %v", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.args()...); err != nil {
			log.Printf("ERROR: batch insert record: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("ERROR: commit batch tx: %v", err)
	}
}

// Insert records a single result synchronously.
func (s *Store) Insert(r *Record) error {
	if _, err := s.db.Exec(Rebind(s.dialect, insertResultSQL), r.args()...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

const timeFormat = "2006-01-02T15:04:05Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// QueryStats returns aggregated savings, filtered by time range.
func (s *Store) QueryStats(since, until time.Time) (*Stats, error) {
	row := s.db.QueryRow(
		Rebind(s.dialect, `SELECT
			COUNT(*),
			COUNT(DISTINCT run_id),
			COALESCE(SUM(cache_hit), 0),
			COALESCE(SUM(original_tokens), 0),
			COALESCE(SUM(compressed_tokens), 0),
			COALESCE(SUM(tokens_saved), 0),
			COALESCE(SUM(cost_saved_usd), 0),
			COALESCE(AVG(processing_time_ms), 0)
		 FROM results
		 WHERE timestamp >= ? AND timestamp <= ?`),
		fmtTime(since), fmtTime(until),
	)

	var st Stats
	err := row.Scan(&st.Documents, &st.Runs, &st.CacheHits, &st.OriginalTokens, &st.CompressedTokens, &st.TokensSaved, &st.CostSavedUSD, &st.AvgProcessingMS)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}

// QueryRuns returns stats grouped by run, most recent first.
func (s *Store) QueryRuns(since, until time.Time) ([]RunStats, error) {
	rows, err := s.db.Query(
		Rebind(s.dialect, `SELECT
			run_id,
			MIN(timestamp),
			COUNT(*),
			COALESCE(SUM(cache_hit), 0),
			COALESCE(SUM(tokens_saved), 0),
			COALESCE(SUM(cost_saved_usd), 0)
		 FROM results
		 WHERE timestamp >= ? AND timestamp <= ?
		 GROUP BY run_id
		 ORDER BY MIN(timestamp) DESC`),
		fmtTime(since), fmtTime(until),
	)
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	defer rows.Close()

	var results []RunStats
	for rows.Next() {
		var r RunStats
		var ts any
		if err := rows.Scan(&r.RunID, &ts, &r.Documents, &r.CacheHits, &r.TokensSaved, &r.CostSavedUSD); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		r.Started = parseTime(ts)
		results = append(results, r)
	}
	return results, rows.Err()
}

// QueryDailySavings returns daily savings totals for the given period.
func (s *Store) QueryDailySavings(since, until time.Time) ([]DailySavings, error) {
	dateExpr := "date(timestamp)"
	if s.dialect == DialectPostgres {
		dateExpr = "to_char(timestamp, 'YYYY-MM-DD')"
	}
	query := fmt.Sprintf(`SELECT
			%s as day,
			COUNT(*),
			COALESCE(SUM(tokens_saved), 0),
			COALESCE(SUM(cost_saved_usd), 0)
		 FROM results
		 WHERE timestamp >= ? AND timestamp <= ?
		 GROUP BY %s
		 ORDER BY day`, dateExpr, dateExpr)
	rows, err := s.db.Query(
		Rebind(s.dialect, query),
		fmtTime(since), fmtTime(until),
	)
	if err != nil {
		return nil, fmt.Errorf("query daily savings: %w", err)
	}
	defer rows.Close()

	var results []DailySavings
	for rows.Next() {
		var d DailySavings
		if err := rows.Scan(&d.Date, &d.Documents, &d.TokensSaved, &d.CostSavedUSD); err != nil {
			return nil, fmt.Errorf("scan daily savings: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// QueryRecent returns the most recent N records, optionally filtered to runs
// whose ID starts with runFilter.
func (s *Store) QueryRecent(limit int, runFilter string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM results`
	args := []any{}

	if runFilter != "" {
		query += ` WHERE run_id LIKE ?`
		args = append(args, runFilter+"%")
	}

	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("query recent results: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Export returns all records in the time range, oldest first.
func (s *Store) Export(since, until time.Time) ([]Record, error) {
	rows, err := s.db.Query(
		Rebind(s.dialect, `SELECT `+recordColumns+`
		 FROM results
		 WHERE timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp ASC, id ASC`),
		fmtTime(since), fmtTime(until),
	)
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

const recordColumns = `id, run_id, timestamp, source_path, document_id, original_tokens, compressed_tokens, tokens_saved, cost_saved_usd, processing_time_ms, cache_hit`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var results []Record
	for rows.Next() {
		var r Record
		var ts any
		var hit int
		if err := rows.Scan(&r.ID, &r.RunID, &ts, &r.SourcePath, &r.DocumentID, &r.OriginalTokens, &r.CompressedTokens, &r.TokensSaved, &r.CostSavedUSD, &r.ProcessingTimeMS, &hit); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Timestamp = parseTime(ts)
		r.CacheHit = hit != 0
		results = append(results, r)
	}
	return results, rows.Err()
}

// parseTime accepts the stored text form (SQLite) or a driver time.Time
// (PostgreSQL TIMESTAMP columns).
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, _ := time.Parse(timeFormat, t)
		return parsed
	case []byte:
		parsed, _ := time.Parse(timeFormat, string(t))
		return parsed
	}
	return time.Time{}
}
