// Package repository is the only code path that writes Episode, Quote, and
// Short rows. Every write acquires a transaction-scoped advisory lock keyed
// by (scope, entityId) with pg_try_advisory_xact_lock semantics: a writer
// that cannot acquire its lock immediately returns "skipped" rather than
// waiting, so no two writers ever block on the same row (spec.md I6).
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/livepeer/episode-video-worker/config"
	xerrors "github.com/livepeer/episode-video-worker/errors"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
	"github.com/livepeer/episode-video-worker/models"
)

// LockScope is the first component of the advisory lock key. Distinct
// scopes never contend with each other even if an episode id and a quote
// id happen to hash the same.
type LockScope string

const (
	ScopeEpisode LockScope = "episode"
	ScopeQuote   LockScope = "quote"
	ScopeShort   LockScope = "short"
)

// Repository is the Postgres-backed persistent-store access layer.
type Repository struct {
	db               *sql.DB
	batchSize        int
	maxWriteAttempts uint64
}

// Config configures a Repository.
type Config struct {
	DB               *sql.DB
	BatchSize        int
	MaxWriteAttempts uint64
}

func New(cfg Config) *Repository {
	r := &Repository{
		db:               cfg.DB,
		batchSize:        cfg.BatchSize,
		maxWriteAttempts: cfg.MaxWriteAttempts,
	}
	if r.batchSize <= 0 {
		r.batchSize = config.DefaultDBUpdateBatchSize
	}
	if r.maxWriteAttempts == 0 {
		r.maxWriteAttempts = config.DefaultDBMaxWriteAttempts
	}
	return r
}

// Open opens a *sql.DB against lib/pq with the pool sizing the supervisor
// passes in, mirroring catalyst-api main.go's sql.Open("postgres", ...) +
// SetMaxOpenConns/SetMaxIdleConns pattern.
func Open(connString string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// ---- reads ----

// GetEpisode reads the Episode row, or (nil, nil) if it does not exist.
func (r *Repository) GetEpisode(ctx context.Context, episodeID string) (*models.Episode, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT "episodeId", COALESCE("podcastId", ''), COALESCE("contentType", ''),
		       COALESCE("additionalData", '{}'::jsonb), COALESCE("processingInfo", '{}'::jsonb), "updatedAt"
		FROM episodes WHERE "episodeId" = $1`, episodeID)

	var additionalDataRaw, processingInfoRaw []byte
	e := &models.Episode{}
	if err := row.Scan(&e.EpisodeID, &e.PodcastID, &e.ContentType, &additionalDataRaw, &processingInfoRaw, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyDBError(err)
	}
	if err := json.Unmarshal(additionalDataRaw, &e.AdditionalData); err != nil {
		return nil, xerrors.Fatal(fmt.Errorf("decoding episode %s additionalData: %w", episodeID, err))
	}
	var flags map[string]bool
	if err := json.Unmarshal(processingInfoRaw, &flags); err != nil {
		return nil, xerrors.Fatal(fmt.Errorf("decoding episode %s processingInfo: %w", episodeID, err))
	}
	e.ProcessingInfo = flags
	return e, nil
}

// GetProcessingInfo re-reads just the processingInfo column, used to
// verify a flag write actually persisted (spec.md step 13's re-read).
func (r *Repository) GetProcessingInfo(ctx context.Context, episodeID string) (models.ProcessingInfo, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE("processingInfo", '{}'::jsonb) FROM episodes WHERE "episodeId" = $1`, episodeID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyDBError(err)
	}
	var flags models.ProcessingInfo
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, xerrors.Fatal(fmt.Errorf("decoding episode %s processingInfo: %w", episodeID, err))
	}
	return flags, nil
}

func (r *Repository) GetQuotesByEpisode(ctx context.Context, episodeID string) ([]models.Quote, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT "quoteId", "episodeId", "contextStartMs", "contextEndMs", "quoteStartMs", "quoteEndMs",
		       COALESCE("contentType", ''), COALESCE("additionalData", '{}'::jsonb), "updatedAt"
		FROM quotes WHERE "episodeId" = $1`, episodeID)
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var quotes []models.Quote
	for rows.Next() {
		var q models.Quote
		var raw []byte
		if err := rows.Scan(&q.QuoteID, &q.EpisodeID, &q.ContextStartMs, &q.ContextEndMs, &q.QuoteStartMs, &q.QuoteEndMs, &q.ContentType, &raw, &q.UpdatedAt); err != nil {
			return nil, classifyDBError(err)
		}
		if err := json.Unmarshal(raw, &q.AdditionalData); err != nil {
			return nil, xerrors.Fatal(fmt.Errorf("decoding quote %s additionalData: %w", q.QuoteID, err))
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err)
	}
	return quotes, nil
}

func (r *Repository) GetShortsByEpisode(ctx context.Context, episodeID string) ([]models.Short, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT "chunkId", "episodeId", "startMs", "endMs", COALESCE("isRemovedChunk", false),
		       COALESCE("contentType", ''), COALESCE("additionalData", '{}'::jsonb), "updatedAt"
		FROM shorts WHERE "episodeId" = $1`, episodeID)
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var shorts []models.Short
	for rows.Next() {
		var s models.Short
		var raw []byte
		if err := rows.Scan(&s.ChunkID, &s.EpisodeID, &s.StartMs, &s.EndMs, &s.IsRemovedChunk, &s.ContentType, &raw, &s.UpdatedAt); err != nil {
			return nil, classifyDBError(err)
		}
		if err := json.Unmarshal(raw, &s.AdditionalData); err != nil {
			return nil, xerrors.Fatal(fmt.Errorf("decoding short %s additionalData: %w", s.ChunkID, err))
		}
		shorts = append(shorts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err)
	}
	return shorts, nil
}

// GetQuotesAndShortsByEpisode reads both in sequence; the pipeline treats
// the pair as one consistent-enough snapshot for validation purposes (each
// query is a single statement under READ COMMITTED).
func (r *Repository) GetQuotesAndShortsByEpisode(ctx context.Context, episodeID string) ([]models.Quote, []models.Short, error) {
	quotes, err := r.GetQuotesByEpisode(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	shorts, err := r.GetShortsByEpisode(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	return quotes, shorts, nil
}

// ---- per-row advisory-locked writes ----

// tryLocked runs fn inside a READ COMMITTED transaction with a short
// statement_timeout and lock_timeout, holding the transaction-scoped
// advisory lock for (scope, entityID). If the lock cannot be acquired
// immediately it returns skipped=true and a nil error: the caller decides
// whether to retry later. Transient database errors are retried internally
// with exponential backoff up to maxWriteAttempts; all other errors abort
// immediately.
func (r *Repository) tryLocked(ctx context.Context, scope LockScope, entityID string, fn func(tx *sql.Tx) error) (skipped bool, err error) {
	attempt := func() error {
		tx, txErr := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if txErr != nil {
			return classifyDBError(txErr)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", config.DBStatementTimeout.Milliseconds())); err != nil {
			return classifyDBError(err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", config.DBLockTimeout.Milliseconds())); err != nil {
			return classifyDBError(err)
		}

		var acquired bool
		if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1), hashtext($2))`, string(scope), entityID).Scan(&acquired); err != nil {
			return classifyDBError(err)
		}
		if !acquired {
			metrics.Metrics.LockSkipped.WithLabelValues(string(scope)).Inc()
			skipped = true
			return nil
		}

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return classifyDBError(err)
		}
		committed = true
		return nil
	}

	retries := r.maxWriteAttempts
	if retries > 0 {
		retries--
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	err = backoff.Retry(func() error {
		skipped = false
		e := attempt()
		if e != nil && !xerrors.IsTransient(e) {
			return backoff.Permanent(e)
		}
		return e
	}, b)
	if err != nil {
		metrics.Metrics.RetryExhausted.WithLabelValues(string(scope)).Inc()
		log.LogError("", "repository write exhausted retries", err, "scope", scope, "entity_id", entityID)
	}
	return skipped, err
}

// SetQuoteMaster promotes the quote's contentType to video and records the
// HLS master URL, touching updatedAt. It is the first of the two write
// calls the Transcoder makes per successfully produced quote.
func (r *Repository) SetQuoteMaster(ctx context.Context, quoteID, masterURL string) (bool, error) {
	return r.tryLocked(ctx, ScopeQuote, quoteID, func(tx *sql.Tx) error {
		return mergeRow(ctx, tx, "quotes", "quoteId", quoteID, map[string]any{"videoMasterPlaylistPath": masterURL}, models.ContentTypeVideo)
	})
}

// SetShortMaster is SetQuoteMaster's Short equivalent.
func (r *Repository) SetShortMaster(ctx context.Context, chunkID, masterURL string) (bool, error) {
	return r.tryLocked(ctx, ScopeShort, chunkID, func(tx *sql.Tx) error {
		return mergeRow(ctx, tx, "shorts", "chunkId", chunkID, map[string]any{"videoMasterPlaylistPath": masterURL}, models.ContentTypeVideo)
	})
}

// UpdateQuoteAdditionalData merges videoQuotePath and videoMasterPlaylistPath
// into additionalData and sets contentType, touching updatedAt. Only
// changed columns are written; if the merged payload equals the current
// row, this is a no-op that still reports success.
func (r *Repository) UpdateQuoteAdditionalData(ctx context.Context, quoteID string, data map[string]any, contentType string) (bool, error) {
	return r.tryLocked(ctx, ScopeQuote, quoteID, func(tx *sql.Tx) error {
		return mergeRow(ctx, tx, "quotes", "quoteId", quoteID, data, contentType)
	})
}

// UpdateShortAdditionalData is UpdateQuoteAdditionalData's Short equivalent.
func (r *Repository) UpdateShortAdditionalData(ctx context.Context, chunkID string, data map[string]any, contentType string) (bool, error) {
	return r.tryLocked(ctx, ScopeShort, chunkID, func(tx *sql.Tx) error {
		return mergeRow(ctx, tx, "shorts", "chunkId", chunkID, data, contentType)
	})
}

// mergeRow reads the current contentType/additionalData for the row
// identified by idColumn=idValue, computes the merged additionalData, and
// writes back only if something actually changed.
func mergeRow(ctx context.Context, tx *sql.Tx, table, idColumn, idValue string, data map[string]any, contentType string) error {
	var currentContentType string
	var currentRaw []byte
	query := fmt.Sprintf(`SELECT COALESCE("contentType", ''), COALESCE("additionalData", '{}'::jsonb) FROM %s WHERE %q = $1`, table, idColumn)
	if err := tx.QueryRowContext(ctx, query, idValue).Scan(&currentContentType, &currentRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xerrors.Fatal(fmt.Errorf("%s %s not found", table, idValue))
		}
		return classifyDBError(err)
	}

	var current map[string]any
	if err := json.Unmarshal(currentRaw, &current); err != nil {
		return xerrors.Fatal(fmt.Errorf("decoding %s %s additionalData: %w", table, idValue, err))
	}

	merged := mergeMaps(current, data)
	normalizedContentType := models.NormalizeContentType(contentType)
	if mapsEqual(current, merged) && models.NormalizeContentType(currentContentType) == normalizedContentType {
		return nil
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return xerrors.Fatal(err)
	}
	updateQuery := fmt.Sprintf(`UPDATE %s SET "additionalData" = $1, "contentType" = $2, "updatedAt" = now() WHERE %q = $3`, table, idColumn)
	if _, err := tx.ExecContext(ctx, updateQuery, mergedRaw, normalizedContentType, idValue); err != nil {
		return classifyDBError(err)
	}
	return nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// UpdateEpisodeProcessingFlags sets each non-nil flag true on
// processingInfo via a jsonb_set merge, touches updatedAt, and returns the
// merged processingInfo for the caller to verify. Only flags explicitly
// passed are modified; this is the only code path that advances
// videoQuotingDone/videoChunkingDone (spec.md I1).
func (r *Repository) UpdateEpisodeProcessingFlags(ctx context.Context, episodeID string, videoQuotingDone, videoChunkingDone *bool) (models.ProcessingInfo, bool, error) {
	if videoQuotingDone == nil && videoChunkingDone == nil {
		info, err := r.GetProcessingInfo(ctx, episodeID)
		return info, false, err
	}

	var result models.ProcessingInfo
	skipped, err := r.tryLocked(ctx, ScopeEpisode, episodeID, func(tx *sql.Tx) error {
		expr := `COALESCE("processingInfo", '{}'::jsonb)`
		var args []any
		idx := 1
		if videoQuotingDone != nil {
			expr = fmt.Sprintf(`jsonb_set(%s, '{videoQuotingDone}', $%d::jsonb, true)`, expr, idx)
			args = append(args, fmt.Sprintf("%t", *videoQuotingDone))
			idx++
		}
		if videoChunkingDone != nil {
			expr = fmt.Sprintf(`jsonb_set(%s, '{videoChunkingDone}', $%d::jsonb, true)`, expr, idx)
			args = append(args, fmt.Sprintf("%t", *videoChunkingDone))
			idx++
		}
		args = append(args, episodeID)
		query := fmt.Sprintf(`UPDATE episodes SET "processingInfo" = %s, "updatedAt" = now() WHERE "episodeId" = $%d RETURNING "processingInfo"`, expr, idx)

		var raw []byte
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return xerrors.Fatal(fmt.Errorf("episode %s not found", episodeID))
			}
			return classifyDBError(err)
		}
		return json.Unmarshal(raw, &result)
	})
	return result, skipped, err
}

// UpdateEpisodeContentType promotes the Episode's contentType to video.
func (r *Repository) UpdateEpisodeContentType(ctx context.Context, episodeID, contentType string) (bool, error) {
	return r.tryLocked(ctx, ScopeEpisode, episodeID, func(tx *sql.Tx) error {
		normalized := models.NormalizeContentType(contentType)
		res, err := tx.ExecContext(ctx, `UPDATE episodes SET "contentType" = $1, "updatedAt" = now() WHERE "episodeId" = $2 AND COALESCE("contentType", '') != $1`, normalized, episodeID)
		if err != nil {
			return classifyDBError(err)
		}
		_, _ = res.RowsAffected()
		return nil
	})
}

// ---- batched writes ----

// QuoteAdditionalDataUpdate is one row's worth of work for
// BatchUpdateQuoteAdditionalData.
type QuoteAdditionalDataUpdate struct {
	QuoteID     string
	Data        map[string]any
	ContentType string
}

// BatchUpdateQuoteAdditionalData chunks updates into groups of batchSize
// and, within each chunk, lock-tries every row individually; only rows
// that were both locked and updated are reported back as updated.
// Skipped (lock-contended) rows are simply omitted, for the caller to
// retry on a later pass.
func (r *Repository) BatchUpdateQuoteAdditionalData(ctx context.Context, updates []QuoteAdditionalDataUpdate) (updatedIDs []string, err error) {
	for _, chunk := range chunkQuoteUpdates(updates, r.batchSize) {
		for _, u := range chunk {
			skipped, err := r.UpdateQuoteAdditionalData(ctx, u.QuoteID, u.Data, u.ContentType)
			if err != nil {
				return updatedIDs, err
			}
			if !skipped {
				updatedIDs = append(updatedIDs, u.QuoteID)
			}
		}
	}
	return updatedIDs, nil
}

// ShortAdditionalDataUpdate is one row's worth of work for
// BatchUpdateShortAdditionalData.
type ShortAdditionalDataUpdate struct {
	ChunkID     string
	Data        map[string]any
	ContentType string
}

// BatchUpdateShortAdditionalData is BatchUpdateQuoteAdditionalData's Short
// equivalent.
func (r *Repository) BatchUpdateShortAdditionalData(ctx context.Context, updates []ShortAdditionalDataUpdate) (updatedIDs []string, err error) {
	for _, chunk := range chunkShortUpdates(updates, r.batchSize) {
		for _, u := range chunk {
			skipped, err := r.UpdateShortAdditionalData(ctx, u.ChunkID, u.Data, u.ContentType)
			if err != nil {
				return updatedIDs, err
			}
			if !skipped {
				updatedIDs = append(updatedIDs, u.ChunkID)
			}
		}
	}
	return updatedIDs, nil
}

func chunkQuoteUpdates(updates []QuoteAdditionalDataUpdate, size int) [][]QuoteAdditionalDataUpdate {
	if size <= 0 {
		size = config.DefaultDBUpdateBatchSize
	}
	var chunks [][]QuoteAdditionalDataUpdate
	for size < len(updates) {
		updates, chunks = updates[size:], append(chunks, updates[:size])
	}
	return append(chunks, updates)
}

func chunkShortUpdates(updates []ShortAdditionalDataUpdate, size int) [][]ShortAdditionalDataUpdate {
	if size <= 0 {
		size = config.DefaultDBUpdateBatchSize
	}
	var chunks [][]ShortAdditionalDataUpdate
	for size < len(updates) {
		updates, chunks = updates[size:], append(chunks, updates[:size])
	}
	return append(chunks, updates)
}

// ---- error classification ----

// classifyDBError wraps transient Postgres conditions (serialization
// failure, deadlock, lock not available, query canceled) and dropped
// connections as xerrors.Transient so tryLocked's retry loop picks them
// up; every other error passes through unwrapped for the caller to treat
// as fatal to this write.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled
			return xerrors.Transient(err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return xerrors.Transient(err)
	}
	return err
}
