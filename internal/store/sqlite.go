package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enforcement-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them in force
	// and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	range_params TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	found        INTEGER NOT NULL DEFAULT 0,
	created      INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	existing     INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	finished_at  DATETIME,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	page        INTEGER NOT NULL,
	found       INTEGER NOT NULL DEFAULT 0,
	created     INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	existing    INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0,
	error_list  TEXT NOT NULL DEFAULT '[]',
	summaries   TEXT NOT NULL DEFAULT '[]',
	next_cursor TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS staging_records (
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	source_record_id   TEXT NOT NULL,
	page               INTEGER NOT NULL,
	processing_status  TEXT NOT NULL,
	persistence_status TEXT NOT NULL,
	error              TEXT NOT NULL DEFAULT '',
	updated_at         DATETIME NOT NULL,
	PRIMARY KEY (session_id, source_record_id, page)
);

CREATE TABLE IF NOT EXISTS entities (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	normalized_name  TEXT NOT NULL UNIQUE,
	address          TEXT NOT NULL DEFAULT '{}',
	registry         TEXT NOT NULL DEFAULT '',
	registry_id      TEXT NOT NULL DEFAULT '',
	record_count     INTEGER NOT NULL DEFAULT 0,
	total_fines      TEXT NOT NULL DEFAULT '0',
	total_costs      TEXT NOT NULL DEFAULT '0',
	last_action_date TEXT,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enforcement_records (
	source            TEXT NOT NULL,
	record_id         TEXT NOT NULL,
	kind              TEXT NOT NULL,
	organization_name TEXT NOT NULL,
	address           TEXT NOT NULL DEFAULT '{}',
	regulator         TEXT NOT NULL DEFAULT '',
	offence_type      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	action_date       TEXT,
	fine_amount       TEXT NOT NULL DEFAULT '0',
	costs_amount      TEXT NOT NULL DEFAULT '0',
	outcome           TEXT NOT NULL DEFAULT '',
	url               TEXT NOT NULL DEFAULT '',
	entity_id         TEXT NOT NULL DEFAULT '',
	link_status       TEXT NOT NULL DEFAULT 'none',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	PRIMARY KEY (source, record_id)
);

CREATE TABLE IF NOT EXISTS review_cases (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	page               INTEGER NOT NULL,
	record_source      TEXT NOT NULL,
	record_id          TEXT NOT NULL,
	organization_name  TEXT NOT NULL,
	candidates         TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'pending',
	resolved_entity_id TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	resolved_at        DATETIME,
	UNIQUE (session_id, source_record_id, page)
);

CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_processing_log_session ON processing_log(session_id);
CREATE INDEX IF NOT EXISTS idx_records_entity ON enforcement_records(entity_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_registry ON entities(registry, registry_id) WHERE registry_id <> '';
CREATE INDEX IF NOT EXISTS idx_review_cases_status ON review_cases(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, source, strategy, range_params, status, found, created, updated, existing, errors,
	last_error, created_at, started_at, finished_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, source, strategy, range_params, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Source, string(sess.Strategy), rangeJSON, string(sess.Status), now, now,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: session %s", sess.ID)
	}
	return eris.Wrap(err, "sqlite: insert session")
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, lastErr string) error {
	now := time.Now().UTC()
	var started, finished any
	if status == model.SessionRunning {
		started = now
	}
	if status.Terminal() {
		finished = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?,
			last_error = COALESCE(NULLIF(?, ''), last_error),
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at),
			updated_at = ?
		 WHERE id = ? AND status IN (`+priorStatusList(status)+`)`,
		string(status), lastErr, started, finished, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.whyUnchanged(ctx, id)
}

// whyUnchanged distinguishes a missing session from a terminal one after a
// guarded update touched no rows. A live session that refused the move is a
// conflict.
func (s *SQLiteStore) whyUnchanged(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get session status %s", id)
	}
	if !model.SessionStatus(status).Terminal() {
		return eris.Wrapf(ErrConflict, "session %s is %s", id, status)
	}
	return eris.Wrapf(ErrTerminal, "session %s is %s", id, status)
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, entry *model.ProcessingLogEntry) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET found = found + ?, created = created + ?, updated = updated + ?,
			existing = existing + ?, errors = errors + ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		c.Found, c.Created, c.Updated, c.Existing, c.Errors, now, entry.SessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update counters %s", entry.SessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return s.whyUnchanged(ctx, entry.SessionID)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO processing_log (session_id, page, found, created, updated, existing, errors,
			error_list, summaries, next_cursor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Page, c.Found, c.Created, c.Updated, c.Existing, c.Errors,
		errsJSON, sumJSON, entry.NextCursor, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert processing log %s", entry.SessionID)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit batch")
	}
	entry.ID, _ = res.LastInsertId()
	entry.CreatedAt = now
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(filter.Statuses)-1) + `)`
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if filter.UpdatedBefore != nil {
		query += ` AND updated_at < ?`
		args = append(args, filter.UpdatedBefore.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions rows")
}

func (s *SQLiteStore) ListProcessingLog(ctx context.Context, sessionID string) ([]model.ProcessingLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, page, found, created, updated, existing, errors, error_list, summaries,
			next_cursor, created_at
		 FROM processing_log WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processing log")
	}
	defer rows.Close()

	var out []model.ProcessingLogEntry
	for rows.Next() {
		var e model.ProcessingLogEntry
		var errsJSON, sumJSON string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Page, &e.Counts.Found, &e.Counts.Created,
			&e.Counts.Updated, &e.Counts.Existing, &e.Counts.Errors, &errsJSON, &sumJSON,
			&e.NextCursor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan processing log")
		}
		if err := fromJSON(errsJSON, &e.Errors); err != nil {
			return nil, err
		}
		if err := fromJSON(sumJSON, &e.Summaries); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list processing log rows")
}

func (s *SQLiteStore) LastCursor(ctx context.Context, source string) (string, int, error) {
	var cursor string
	var page int
	err := s.db.QueryRowContext(ctx,
		`SELECT l.next_cursor, l.page FROM processing_log l
		 JOIN sessions s ON s.id = l.session_id
		 WHERE s.source = ? AND l.next_cursor <> ''
		 ORDER BY l.id DESC LIMIT 1`,
		source,
	).Scan(&cursor, &page)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, eris.Wrapf(err, "sqlite: last cursor %s", source)
	}
	return cursor, page, nil
}

// --- Staging ---

func (s *SQLiteStore) UpsertStaging(ctx context.Context, rec model.StagingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staging_records (session_id, source_record_id, page, processing_status,
			persistence_status, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, source_record_id, page) DO UPDATE SET
			processing_status = excluded.processing_status,
			persistence_status = excluded.persistence_status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.SourceRecordID, rec.Page, string(rec.ProcessingStatus),
		string(rec.PersistenceStatus), rec.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert staging %s/%s", rec.SessionID, rec.SourceRecordID)
}

func (s *SQLiteStore) ListStaging(ctx context.Context, sessionID string) ([]model.StagingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, source_record_id, page, processing_status, persistence_status, error, updated_at
		 FROM staging_records WHERE session_id = ? ORDER BY page, source_record_id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list staging")
	}
	defer rows.Close()

	var out []model.StagingRecord
	for rows.Next() {
		var r model.StagingRecord
		if err := rows.Scan(&r.SessionID, &r.SourceRecordID, &r.Page, &r.ProcessingStatus,
			&r.PersistenceStatus, &r.Error, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staging")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list staging rows")
}

// --- Records ---

const recordColumns = `source, record_id, kind, organization_name, address, regulator, offence_type,
	description, action_date, fine_amount, costs_amount, outcome, url, entity_id, link_status,
	created_at, updated_at`

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.EnforcementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM enforcement_records WHERE source = ? AND record_id = ?`,
		key.Source, key.RecordID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", key)
	}
	return rec, err
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.EnforcementRecord) error {
	if rec.LinkStatus == "" {
		rec.LinkStatus = model.LinkNone
	}
	addr, err := toJSON(rec.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enforcement_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Source, rec.RecordID, string(rec.Kind), rec.OrganizationName, addr, rec.Regulator,
		rec.OffenceType, rec.Description, dateArg(rec.ActionDate), rec.FineAmount.String(),
		rec.CostsAmount.String(), rec.Outcome, rec.URL, rec.EntityID, string(rec.LinkStatus), now, now,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "record %s", rec.Key())
	}
	return eris.Wrapf(err, "sqlite: insert record %s", rec.Key())
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *model.EnforcementRecord) error {
	addr, err := toJSON(rec.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE enforcement_records SET kind = ?, organization_name = ?, address = ?, regulator = ?,
			offence_type = ?, description = ?, action_date = ?, fine_amount = ?, costs_amount = ?,
			outcome = ?, url = ?, updated_at = ?
		 WHERE source = ? AND record_id = ?`,
		string(rec.Kind), rec.OrganizationName, addr, rec.Regulator, rec.OffenceType, rec.Description,
		dateArg(rec.ActionDate), rec.FineAmount.String(), rec.CostsAmount.String(), rec.Outcome, rec.URL,
		now, rec.Source, rec.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", rec.Key())
	}
	rec.UpdatedAt = now
	return checkRowsAffected(res, "record", rec.Key().String())
}

func (s *SQLiteStore) SetRecordLink(ctx context.Context, key model.RecordKey, entityID string, status model.LinkStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enforcement_records SET entity_id = ?, link_status = ?, updated_at = ?
		 WHERE source = ? AND record_id = ?`,
		entityID, string(status), time.Now().UTC(), key.Source, key.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set record link %s", key)
	}
	return checkRowsAffected(res, "record", key.String())
}

// --- Entities ---

const entityColumns = `id, name, normalized_name, address, registry, registry_id, record_count,
	total_fines, total_costs, last_action_date, created_at, updated_at`

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]model.CanonicalEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list entities rows")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetEntityByNormalizedName(ctx context.Context, normalized string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `normalized_name = ?`, normalized)
}

func (s *SQLiteStore) GetEntityByRegistryID(ctx context.Context, registry, registryID string) (*model.CanonicalEntity, error) {
	return s.getEntityWhere(ctx, `registry = ? AND registry_id = ?`, registry, registryID)
}

func (s *SQLiteStore) getEntityWhere(ctx context.Context, where string, args ...any) (*model.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE `+where, args...)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %v", args)
	}
	return e, err
}

func (s *SQLiteStore) InsertEntity(ctx context.Context, e *model.CanonicalEntity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	addr, err := toJSON(e.Address)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.NormalizedName, addr, e.Registry, e.RegistryID, e.RecordCount,
		e.TotalFines.String(), e.TotalCosts.String(), dateArg(e.LastActionDate), now, now,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "entity %q", e.NormalizedName)
	}
	return eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
}

func (s *SQLiteStore) RefreshEntityStats(ctx context.Context, id string) (*model.EntityStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fine_amount, costs_amount, action_date FROM enforcement_records
		 WHERE entity_id = ? AND link_status = 'final'`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: linked records %s", id)
	}
	var stats []statRow
	for rows.Next() {
		var fine, costs string
		var date sql.NullString
		if err := rows.Scan(&fine, &costs, &date); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan linked record")
		}
		r, err := toStatRow(fine, costs, date)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stats = append(stats, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: linked records rows")
	}

	st := computeStats(stats)
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET record_count = ?, total_fines = ?, total_costs = ?, last_action_date = ?,
			updated_at = ?
		 WHERE id = ?`,
		st.RecordCount, st.TotalFines.String(), st.TotalCosts.String(), dateArg(st.LastActionDate),
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update entity stats %s", id)
	}
	if err := checkRowsAffected(res, "entity", id); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Review cases ---

const reviewColumns = `id, session_id, source_record_id, page, record_source, record_id, organization_name,
	candidates, status, resolved_entity_id, created_at, resolved_at`

func (s *SQLiteStore) UpsertReviewCase(ctx context.Context, rc *model.ReviewCase) (*model.ReviewCase, error) {
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	cands, err := toJSON(nonNil(rc.Candidates))
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_cases (id, session_id, source_record_id, page, record_source, record_id,
			organization_name, candidates, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		 ON CONFLICT (session_id, source_record_id, page) DO UPDATE SET
			candidates = excluded.candidates,
			organization_name = excluded.organization_name
		 WHERE review_cases.status = 'pending'`,
		rc.ID, rc.StagingRef.SessionID, rc.StagingRef.SourceRecordID, rc.StagingRef.Page,
		rc.RecordKey.Source, rc.RecordKey.RecordID, rc.OrganizationName, cands, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert review case")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_cases WHERE session_id = ? AND source_record_id = ? AND page = ?`,
		rc.StagingRef.SessionID, rc.StagingRef.SourceRecordID, rc.StagingRef.Page,
	)
	return scanReviewCase(row)
}

func (s *SQLiteStore) GetReviewCase(ctx context.Context, id string) (*model.ReviewCase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_cases WHERE id = ?`, id)
	rc, err := scanReviewCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "review case %s", id)
	}
	return rc, err
}

func (s *SQLiteStore) ListReviewCases(ctx context.Context, filter ReviewFilter) ([]model.ReviewCase, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_cases WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.RecordKey.RecordID != "" {
		query += ` AND record_source = ? AND record_id = ?`
		args = append(args, filter.RecordKey.Source, filter.RecordKey.RecordID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review cases")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list review cases rows")
}

func (s *SQLiteStore) MarkReviewResolved(ctx context.Context, id, entityID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_cases SET status = 'resolved', resolved_entity_id = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		entityID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve review case %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetReviewCase(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "review case %s already resolved", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var rangeJSON string
	var started, finished sql.NullTime
	err := row.Scan(&sess.ID, &sess.Source, &sess.Strategy, &rangeJSON, &sess.Status,
		&sess.Counters.Found, &sess.Counters.Created, &sess.Counters.Updated, &sess.Counters.Existing,
		&sess.Counters.Errors, &sess.LastError, &sess.CreatedAt, &started, &finished, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan session")
	}
	if err := fromJSON(rangeJSON, &sess.Range); err != nil {
		return nil, err
	}
	sess.StartedAt, sess.FinishedAt = timePtr(started), timePtr(finished)
	return &sess, nil
}

func scanRecord(row scannable) (*model.EnforcementRecord, error) {
	var rec model.EnforcementRecord
	var addr, fine, costs string
	var date sql.NullString
	err := row.Scan(&rec.Source, &rec.RecordID, &rec.Kind, &rec.OrganizationName, &addr, &rec.Regulator,
		&rec.OffenceType, &rec.Description, &date, &fine, &costs, &rec.Outcome, &rec.URL, &rec.EntityID,
		&rec.LinkStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan record")
	}
	if err := fromJSON(addr, &rec.Address); err != nil {
		return nil, err
	}
	stat, err := toStatRow(fine, costs, date)
	if err != nil {
		return nil, err
	}
	rec.FineAmount, rec.CostsAmount, rec.ActionDate = stat.fine, stat.costs, stat.date
	return &rec, nil
}

func scanEntity(row scannable) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	var addr, fines, costs string
	var date sql.NullString
	err := row.Scan(&e.ID, &e.Name, &e.NormalizedName, &addr, &e.Registry, &e.RegistryID, &e.RecordCount,
		&fines, &costs, &date, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan entity")
	}
	if err := fromJSON(addr, &e.Address); err != nil {
		return nil, err
	}
	stat, err := toStatRow(fines, costs, date)
	if err != nil {
		return nil, err
	}
	e.TotalFines, e.TotalCosts, e.LastActionDate = stat.fine, stat.costs, stat.date
	return &e, nil
}

func scanReviewCase(row scannable) (*model.ReviewCase, error) {
	var rc model.ReviewCase
	var cands string
	var resolved sql.NullTime
	err := row.Scan(&rc.ID, &rc.StagingRef.SessionID, &rc.StagingRef.SourceRecordID, &rc.StagingRef.Page,
		&rc.RecordKey.Source, &rc.RecordKey.RecordID, &rc.OrganizationName, &cands, &rc.Status,
		&rc.ResolvedEntityID, &rc.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan review case")
	}
	if err := fromJSON(cands, &rc.Candidates); err != nil {
		return nil, err
	}
	rc.ResolvedAt = timePtr(resolved)
	return &rc, nil
}

func toStatRow(fine, costs string, date sql.NullString) (statRow, error) {
	f, err := parseAmount(fine)
	if err != nil {
		return statRow{}, err
	}
	c, err := parseAmount(costs)
	if err != nil {
		return statRow{}, err
	}
	d, err := parseDateCol(date)
	if err != nil {
		return statRow{}, err
	}
	return statRow{fine: f, costs: c, date: d}, nil
}
