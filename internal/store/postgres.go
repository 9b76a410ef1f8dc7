package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enforcement-cli/internal/db"
	"github.com/sells-group/enforcement-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sessions ---

const pgSessionColumns = `id, source, strategy, range_params::text, status, found, created, updated, existing,
	errors, last_error, created_at, started_at, finished_at, updated_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = model.SessionPending
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now

	rangeJSON, err := toJSON(sess.Range)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enforcement.sessions (id, source, strategy, range_params, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		sess.ID, sess.Source, string(sess.Strategy), rangeJSON, string(sess.Status), now, now,
	)
	if db.IsUniqueViolation(err, "") {
		return eris.Wrapf(ErrConflict, "postgres: session %s", sess.ID)
	}
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, lastErr string) error {
	now := time.Now().UTC()
	var started, finished *time.Time
	if status == model.SessionRunning {
		started = &now
	}
	if status.Terminal() {
		finished = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enforcement.sessions SET status = $1,
			last_error = COALESCE(NULLIF($2, ''), last_error),
			started_at = COALESCE(started_at, $3),
			finished_at = COALESCE($4, finished_at),
			updated_at = $5
		 WHERE id = $6 AND status IN (`+priorStatusList(status)+`)`,
		string(status), lastErr, started, finished, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return whyUnchangedPG(ctx, s.pool, id)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func whyUnchangedPG(ctx context.Context, q rowQuerier, id string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM enforcement.sessions WHERE id = $1`, id).Scan(&status)
	if db.IsNoRows(err) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get session status %s", id)
	}
	if !model.SessionStatus(status).Terminal() {
		return eris.Wrapf(ErrConflict, "session %s is %s", id, status)
	}
	return eris.Wrapf(ErrTerminal, "session %s is %s", id, status)
}

func (s *PostgresStore) CommitBatch(ctx context.Context, entry *model.ProcessingLogEntry) error {
	errsJSON, err := toJSON(nonNil(entry.Errors))
	if err != nil {
		return err
	}
	sumJSON, err := toJSON(nonNil(entry.Summaries))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c := entry.Counts

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE enforcement.sessions SET found = found + $1, created = created + $2,
				updated = updated + $3, existing = existing + $4, errors = errors + $5, updated_at = $6
			 WHERE id = $7 AND status IN ('pending', 'running')`,
			c.Found, c.Created, c.Updated, c.Existing, c.Errors, now, entry.SessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update counters %s", entry.SessionID)
		}
		if tag.RowsAffected() == 0 {
			return whyUnchangedPG(ctx, tx, entry.SessionID)
		}
		return eris.Wrapf(tx.QueryRow(ctx,
			`INSERT INTO enforcement.processing_log (session_id, page, found, created, updated, existing,
				errors, error_list, summaries, next_cursor, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)
			 RETURNING id`,
			entry.SessionID, entry.Page, c.Found, c.Created, c.Updated, c.Existing, c.Errors,
			errsJSON, sumJSON, entry.NextCursor, now,
		).Scan(&entry.ID), "postgres: insert processing log %s", entry.SessionID)
	})
	if err != nil {
		return err
	}
	entry.CreatedAt = now
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM enforcement.sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM enforcement.sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if filter.UpdatedBefore != nil {
		query += fmt.Sprintf(` AND updated_at < $%d`, argIdx)
		args = append(args, filter.UpdatedBefore.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) ListProcessingLog(ctx context.Context, sessionID string) ([]model.ProcessingLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, page, found, created, updated, existing, errors, error_list::text,
			summaries::text, next_cursor, created_at
		 FROM enforcement.processing_log WHERE session_id = $1 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processing log")
	}
	defer rows.Close()

	var out []model.ProcessingLogEntry
	for rows.Next() {
		var e model.ProcessingLogEntry
		var errsJSON, sumJSON string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Page, &e.Counts.Found, &e.Counts.Created,
			&e.Counts.Updated, &e.Counts.Existing, &e.Counts.Errors, &errsJSON, &sumJSON,
			&e.NextCursor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan processing log")
		}
		if err := fromJSON(errsJSON, &e.Errors); err != nil {
			return nil, err
		}
		if err := fromJSON(sumJSON, &e.Summaries); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list processing log iterate")
}

func (s *PostgresStore) LastCursor(ctx context.Context, source string) (string, int, error) {
	var cursor string
	var page int
	err := s.pool.QueryRow(ctx,
		`SELECT l.next_cursor, l.page FROM enforcement.processing_log l
		 JOIN enforcement.sessions s ON s.id = l.session_id
		 WHERE s.source = $1 AND l.next_cursor <> ''
		 ORDER BY l.id DESC LIMIT 1`,
		source,
	).Scan(&cursor, &page)
	if db.IsNoRows(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, eris.Wrapf(err, "postgres: last cursor %s", source)
	}
	return cursor, page, nil
}

// --- Staging ---

func (s *PostgresStore) UpsertStaging(ctx context.Context, rec model.StagingRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enforcement.staging_records (session_id, source_record_id, page, processing_status,
			persistence_status, error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, source_record_id, page) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			persistence_status = EXCLUDED.persistence_status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.SessionID, rec.SourceRecordID, rec.Page, string(rec.ProcessingStatus),
		string(rec.PersistenceStatus), rec.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert staging %s/%s", rec.SessionID, rec.SourceRecordID)
}

func (s *PostgresStore) ListStaging(ctx context.Context, sessionID string) ([]model.StagingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, source_record_id, page, processing_status, persistence_status, error, updated_at
		 FROM enforcement.staging_records WHERE session_id = $1 ORDER BY page, source_record_id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list staging")
	}
	defer rows.Close()

	var out []model.StagingRecord
	for rows.Next() {
		var r model.StagingRecord
		var proc, persist string
		if err := rows.Scan(&r.SessionID, &r.SourceRecordID, &r.Page, &proc, &persist, &r.Error,
			&r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staging")
		}
		r.ProcessingStatus = model.ProcessingStatus(proc)
		r.PersistenceStatus = model.PersistenceStatus(persist)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list staging iterate")
}

// --- Records ---

const pgRecordColumns = `source, record_id, kind, organization_name, address::text, regulator, offence_type,
	description, action_date::text, fine_amount::text, costs_amount::text, outcome, url, entity_id,
	link_status, created_at, updated_at`

func (s *PostgresStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.EnforcementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM enforcement.enforcement_records WHERE source = $1 AND record_id = $2`,
		key.Source, key.RecordID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", key)
	}
	return rec, err
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.EnforcementRecord) error {
	if rec.LinkStatus == "" {
		rec.LinkStatus = model.LinkNone
	}
	addr, err := toJSON(rec.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enforcement.enforcement_records (source, record_id, kind, organization_name, address,
			regulator, offence_type, description, action_date, fine_amount, costs_amount, outcome, url,
			entity_id, link_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9::text::date, $10::text::numeric,
			$11::text::numeric, $12, $13, $14, $15, $16, $17)`,
		rec.Source, rec.RecordID, string(rec.Kind), rec.OrganizationName, addr, rec.Regulator,
		rec.OffenceType, rec.Description, dateArg(rec.ActionDate), rec.FineAmount.String(),
		rec.CostsAmount.String(), rec.Outcome, rec.URL, rec.EntityID, string(rec.LinkStatus), now, now,
	)
	if db.IsUniqueViolation(err, "") {
		return eris.Wrapf(ErrConflict, "record %s", rec.Key())
	}
	return eris.Wrapf(err, "postgres: insert record %s", rec.Key())
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, rec *model.EnforcementRecord) error {
	addr, err := toJSON(rec.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE enforcement.enforcement_records SET kind = $1, organization_name = $2, address = $3::jsonb,
			regulator = $4, offence_type = $5, description = $6, action_date = $7::text::date,
			fine_amount = $8::text::numeric, costs_amount = $9::text::numeric, outcome = $10, url = $11,
			updated_at = $12
		 WHERE source = $13 AND record_id = $14`,
		string(rec.Kind), rec.OrganizationName, addr, rec.Regulator, rec.OffenceType, rec.Description,
		dateArg(rec.ActionDate), rec.FineAmount.String(), rec.CostsAmount.String(), rec.Outcome, rec.URL,
		now, rec.Source, rec.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", rec.Key())
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", rec.Key())
	}
	rec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) SetRecordLink(ctx context.Context, key model.RecordKey, entityID string, status model.LinkStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enforcement.enforcement_records SET entity_id = $1, link_status = $2, updated_at = $3
		 WHERE source = $4 AND record_id = $5`,
		entityID, string(status), time.Now().UTC(), key.Source, key.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set record link %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", key)
	}
	return nil
}

// --- Entities ---

const pgEntityColumns = `id, name, normalized_name, address::text, registry, registry_id, record_count,
	total_fines::text, total_costs::text, last_action_date::text, created_at, updated_at`

func (s *PostgresStore) ListEntities(ctx context.Context) ([]model.CanonicalEntity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgEntityColumns+` FROM enforcement.entities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetEntityByNormalizedName(ctx context.Context, normalized string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `normalized_name = $1`, normalized)
}

func (s *PostgresStore) GetEntityByRegistryID(ctx context.Context, registry, registryID string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `registry = $1 AND registry_id = $2`, registry, registryID)
}

func (s *PostgresStore) getEntityWhere(ctx context.Context, where string, args ...any) (*model.CanonicalEntity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgEntityColumns+` FROM enforcement.entities WHERE `+where, args...)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %v", args)
	}
	return e, err
}

func (s *PostgresStore) InsertEntity(ctx context.Context, e *model.CanonicalEntity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	addr, err := toJSON(e.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enforcement.entities (id, name, normalized_name, address, registry, registry_id,
			record_count, total_fines, total_costs, last_action_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10::text::date,
			$11, $12)`,
		e.ID, e.Name, e.NormalizedName, addr, e.Registry, e.RegistryID, e.RecordCount,
		e.TotalFines.String(), e.TotalCosts.String(), dateArg(e.LastActionDate), now, now,
	)
	if db.IsUniqueViolation(err, "") {
		return eris.Wrapf(ErrConflict, "entity %q", e.NormalizedName)
	}
	return eris.Wrapf(err, "postgres: insert entity %s", e.ID)
}

func (s *PostgresStore) RefreshEntityStats(ctx context.Context, id string) (*model.EntityStats, error) {
	var st model.EntityStats
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT fine_amount::text, costs_amount::text, action_date::text
			 FROM enforcement.enforcement_records
			 WHERE entity_id = $1 AND link_status = 'final'
			 FOR UPDATE`,
			id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: linked records %s", id)
		}
		var stats []statRow
		for rows.Next() {
			var fine, costs string
			var date sql.NullString
			if err := rows.Scan(&fine, &costs, &date); err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan linked record")
			}
			r, err := toStatRow(fine, costs, date)
			if err != nil {
				rows.Close()
				return err
			}
			stats = append(stats, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: linked records iterate")
		}

		st = computeStats(stats)
		tag, err := tx.Exec(ctx,
			`UPDATE enforcement.entities SET record_count = $1, total_fines = $2::text::numeric,
				total_costs = $3::text::numeric, last_action_date = $4::text::date, updated_at = $5
			 WHERE id = $6`,
			st.RecordCount, st.TotalFines.String(), st.TotalCosts.String(), dateArg(st.LastActionDate),
			time.Now().UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update entity stats %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "entity %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Review cases ---

const pgReviewColumns = `id, session_id, source_record_id, page, record_source, record_id, organization_name,
	candidates::text, status, resolved_entity_id, created_at, resolved_at`

func (s *PostgresStore) UpsertReviewCase(ctx context.Context, rc *model.ReviewCase) (*model.ReviewCase, error) {
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	cands, err := toJSON(nonNil(rc.Candidates))
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enforcement.review_cases (id, session_id, source_record_id, page, record_source,
			record_id, organization_name, candidates, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, 'pending', $9)
		 ON CONFLICT ON CONSTRAINT review_cases_staging_key DO UPDATE SET
			candidates = EXCLUDED.candidates,
			organization_name = EXCLUDED.organization_name
		 WHERE enforcement.review_cases.status = 'pending'`,
		rc.ID, rc.StagingRef.SessionID, rc.StagingRef.SourceRecordID, rc.StagingRef.Page,
		rc.RecordKey.Source, rc.RecordKey.RecordID, rc.OrganizationName, cands, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert review case")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgReviewColumns+` FROM enforcement.review_cases
		 WHERE session_id = $1 AND source_record_id = $2 AND page = $3`,
		rc.StagingRef.SessionID, rc.StagingRef.SourceRecordID, rc.StagingRef.Page,
	)
	return scanReviewCase(row)
}

func (s *PostgresStore) GetReviewCase(ctx context.Context, id string) (*model.ReviewCase, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgReviewColumns+` FROM enforcement.review_cases WHERE id = $1`, id)
	rc, err := scanReviewCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "review case %s", id)
	}
	return rc, err
}

func (s *PostgresStore) ListReviewCases(ctx context.Context, filter ReviewFilter) ([]model.ReviewCase, error) {
	query := `SELECT ` + pgReviewColumns + ` FROM enforcement.review_cases WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.RecordKey.RecordID != "" {
		query += fmt.Sprintf(` AND record_source = $%d AND record_id = $%d`, argIdx, argIdx+1)
		args = append(args, filter.RecordKey.Source, filter.RecordKey.RecordID)
		argIdx += 2
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review cases")
	}
	defer rows.Close()

	var out []model.ReviewCase
	for rows.Next() {
		rc, err := scanReviewCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review cases iterate")
}

func (s *PostgresStore) MarkReviewResolved(ctx context.Context, id, entityID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enforcement.review_cases SET status = 'resolved', resolved_entity_id = $1, resolved_at = $2
		 WHERE id = $3 AND status = 'pending'`,
		entityID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve review case %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM enforcement.review_cases WHERE id = $1`, id).Scan(&status)
	if db.IsNoRows(err) {
		return eris.Wrapf(ErrNotFound, "review case %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get review case status %s", id)
	}
	return eris.Wrapf(ErrConflict, "review case %s already %s", id, status)
}
