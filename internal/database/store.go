// Package database persists campaigns and attempt results behind
// core.ResultStore. sqlite3 is the default driver for single-operator
// runs; postgres serves shared deployments. Attempt rows are keyed by the
// result idempotency key, so at-least-once delivery inserts exactly once.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("no matching record")

type sqlStore struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
	log *logger.Logger
}

// getPlaceholder returns the bindvar for positional queries under the
// configured driver.
func (s *sqlStore) getPlaceholder(n int) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.ResultStore, error) {
	log = log.WithComponent("database")

	if cfg.Driver == "sqlite3" {
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{db: db, cfg: cfg, log: log}
	if err := NewMigrationRunner(db, log).Run(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	store.restrictSQLiteFile()

	log.Infow("Result store ready",
		"driver", cfg.Driver,
		"dsn", maskDSN(cfg.DSN),
	)
	return store, nil
}

// ensureSQLiteDir creates the directory holding the database file.
func ensureSQLiteDir(dsn string) error {
	path := sqliteFilePath(dsn)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// restrictSQLiteFile tightens the database file to owner-only. Verified
// results store plaintext secrets.
func (s *sqlStore) restrictSQLiteFile() {
	if s.cfg.Driver != "sqlite3" {
		return
	}
	path := sqliteFilePath(s.cfg.DSN)
	if path == "" {
		return
	}
	if err := os.Chmod(path, 0o600); err != nil {
		s.log.Warnw("Could not restrict database file permissions",
			"path", path,
			"error", err.Error(),
		)
	}
}

// sqliteFilePath extracts the on-disk path from a sqlite DSN, or "" for
// in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

// maskDSN hides credentials in connection strings bound for logs.
func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// campaignRow mirrors the campaigns table; counts travel as JSON text.
type campaignRow struct {
	ID                string       `db:"id"`
	Engagement        string       `db:"engagement"`
	TargetUser        string       `db:"target_user"`
	Endpoint          string       `db:"endpoint"`
	Verifier          string       `db:"verifier"`
	State             string       `db:"state"`
	Issued            int64        `db:"issued"`
	Completed         int64        `db:"completed"`
	Counts            string       `db:"counts"`
	Concurrency       int          `db:"concurrency"`
	ConcurrencyLimit  int          `db:"concurrency_limit"`
	HealthyIdentities int          `db:"healthy_identities"`
	AttemptsPerSec    float64      `db:"attempts_per_sec"`
	StartedAt         time.Time    `db:"started_at"`
	FinishedAt        sql.NullTime `db:"finished_at"`
	Error             string       `db:"error_message"`
}

func (r campaignRow) snapshot() (types.CampaignSnapshot, error) {
	snap := types.CampaignSnapshot{
		ID:                r.ID,
		Engagement:        r.Engagement,
		TargetUser:        r.TargetUser,
		Endpoint:          r.Endpoint,
		Verifier:          r.Verifier,
		State:             types.CampaignState(r.State),
		Issued:            r.Issued,
		Completed:         r.Completed,
		Concurrency:       r.Concurrency,
		ConcurrencyLimit:  r.ConcurrencyLimit,
		HealthyIdentities: r.HealthyIdentities,
		AttemptsPerSec:    r.AttemptsPerSec,
		StartedAt:         r.StartedAt,
		Error:             r.Error,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		snap.FinishedAt = &t
	}
	if r.Counts != "" {
		if err := json.Unmarshal([]byte(r.Counts), &snap.Counts); err != nil {
			return snap, fmt.Errorf("failed to unmarshal outcome counts: %w", err)
		}
	}
	return snap, nil
}

const campaignColumns = `id, engagement, target_user, endpoint, verifier, state,
	issued, completed, counts, concurrency, concurrency_limit,
	healthy_identities, attempts_per_sec, started_at, finished_at,
	error_message`

func campaignArgs(snap types.CampaignSnapshot, countsJSON string) map[string]interface{} {
	return map[string]interface{}{
		"id":                 snap.ID,
		"engagement":         snap.Engagement,
		"target_user":        snap.TargetUser,
		"endpoint":           snap.Endpoint,
		"verifier":           snap.Verifier,
		"state":              string(snap.State),
		"issued":             snap.Issued,
		"completed":          snap.Completed,
		"counts":             countsJSON,
		"concurrency":        snap.Concurrency,
		"concurrency_limit":  snap.ConcurrencyLimit,
		"healthy_identities": snap.HealthyIdentities,
		"attempts_per_sec":   snap.AttemptsPerSec,
		"started_at":         snap.StartedAt.UTC(),
		"finished_at":        nullableTime(snap.FinishedAt),
		"error_message":      snap.Error,
	}
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *sqlStore) SaveCampaign(ctx context.Context, snap types.CampaignSnapshot) error {
	countsJSON, err := json.Marshal(snap.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome counts: %w", err)
	}

	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES (
			:id, :engagement, :target_user, :endpoint, :verifier, :state,
			:issued, :completed, :counts, :concurrency, :concurrency_limit,
			:healthy_identities, :attempts_per_sec, :started_at, :finished_at,
			:error_message
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, campaignArgs(snap, string(countsJSON))); err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", snap.ID, err)
	}

	s.log.Debugw("Campaign saved",
		"campaign_id", snap.ID,
		"target_user", snap.TargetUser,
		"state", string(snap.State),
	)
	return nil
}

func (s *sqlStore) UpdateCampaign(ctx context.Context, snap types.CampaignSnapshot) error {
	countsJSON, err := json.Marshal(snap.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome counts: %w", err)
	}

	query := `
		UPDATE campaigns SET
			state = :state,
			issued = :issued,
			completed = :completed,
			counts = :counts,
			concurrency = :concurrency,
			healthy_identities = :healthy_identities,
			attempts_per_sec = :attempts_per_sec,
			finished_at = :finished_at,
			error_message = :error_message
		WHERE id = :id
	`
	result, err := s.db.NamedExecContext(ctx, query, campaignArgs(snap, string(countsJSON)))
	if err != nil {
		return fmt.Errorf("failed to update campaign %s: %w", snap.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("campaign %s: %w", snap.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*types.CampaignSnapshot, error) {
	query := fmt.Sprintf(
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = %s",
		s.getPlaceholder(1),
	)

	var row campaignRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}

	snap, err := row.snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *sqlStore) LatestCampaign(ctx context.Context) (*types.CampaignSnapshot, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns ORDER BY started_at DESC LIMIT 1"

	var row campaignRow
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("latest campaign: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest campaign: %w", err)
	}

	snap, err := row.snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *sqlStore) ListCampaigns(ctx context.Context, limit int) ([]types.CampaignSnapshot, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	snaps := make([]types.CampaignSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.snapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *sqlStore) SaveResult(ctx context.Context, result types.AttemptResult) error {
	query := `
		INSERT INTO attempts (
			id, idem_key, campaign_id, candidate_index, secret, secret_digest,
			identity_id, outcome, attempt, status_code, detail, latency_ns,
			timestamp, error_message
		) VALUES (
			:id, :idem_key, :campaign_id, :candidate_index, :secret, :secret_digest,
			:identity_id, :outcome, :attempt, :status_code, :detail, :latency_ns,
			:timestamp, :error_message
		) ON CONFLICT (idem_key) DO NOTHING
	`

	args := map[string]interface{}{
		"id":              result.ID,
		"idem_key":        result.IdempotencyKey(),
		"campaign_id":     result.CampaignID,
		"candidate_index": result.CandidateIndex,
		"secret":          result.Secret,
		"secret_digest":   result.SecretDigest,
		"identity_id":     result.IdentityID,
		"outcome":         string(result.Outcome),
		"attempt":         result.Attempt,
		"status_code":     result.StatusCode,
		"detail":          result.Detail,
		"latency_ns":      int64(result.Latency),
		"timestamp":       result.Timestamp.UTC(),
		"error_message":   result.Err,
	}

	res, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to save result for candidate %d: %w", result.CandidateIndex, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.log.Debugw("Duplicate result delivery ignored",
			"campaign_id", result.CampaignID,
			"candidate_index", result.CandidateIndex,
			"attempt", result.Attempt,
		)
	}
	return nil
}

func (s *sqlStore) QueryResults(ctx context.Context, filter core.ResultFilter) ([]types.AttemptResult, error) {
	query := `
		SELECT id, campaign_id, candidate_index, secret, secret_digest,
		       identity_id, outcome, attempt, status_code, detail, latency_ns,
		       timestamp, error_message
		FROM attempts WHERE 1=1
	`
	args := map[string]interface{}{}

	if filter.CampaignID != "" {
		query += " AND campaign_id = :campaign_id"
		args["campaign_id"] = filter.CampaignID
	}
	if filter.Outcome != "" {
		query += " AND outcome = :outcome"
		args["outcome"] = string(filter.Outcome)
	}

	query += " ORDER BY candidate_index, attempt"

	// sqlite only accepts OFFSET after LIMIT.
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []types.AttemptResult{}
	for rows.Next() {
		var result types.AttemptResult
		if err := rows.StructScan(&result); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
