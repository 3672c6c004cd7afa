package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aisync/internal/domain"
)

// PostgresStore is the production Store implementation, grounded on this
// codebase's Postgres-backed stores: plain SQL over pgxpool, an
// optimistic-concurrency `db_revision` column on Item for atomic updates, and
// CREATE TABLE IF NOT EXISTS migrations run once at startup.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore opens a pool against dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			primary_mail_address TEXT NOT NULL,
			virtual_mail_address TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			suspended BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			status TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			keywords TEXT[] NOT NULL DEFAULT '{}',
			entity_patterns TEXT[] NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ,
			body TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			revision TEXT NOT NULL DEFAULT '',
			db_revision BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_project ON items(project_id)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			owner_id TEXT NOT NULL,
			source TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			last_polled_at TIMESTAMPTZ,
			PRIMARY KEY(owner_id, source)
		)`,
		`CREATE TABLE IF NOT EXISTS activity_metrics (
			owner_id TEXT NOT NULL,
			source TEXT NOT NULL,
			items_seen BIGINT NOT NULL DEFAULT 0,
			items_changed_24h BIGINT NOT NULL DEFAULT 0,
			change_frequency TEXT NOT NULL DEFAULT 'low',
			next_interval_mins INT NOT NULL DEFAULT 30,
			last_poll_at TIMESTAMPTZ,
			virtual_mail_hit_24h BOOLEAN NOT NULL DEFAULT FALSE,
			inactive_since TIMESTAMPTZ,
			PRIMARY KEY(owner_id, source)
		)`,
		`CREATE TABLE IF NOT EXISTS processing_log (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_item ON processing_log(item_id)`,
		`CREATE TABLE IF NOT EXISTS watches (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			source TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			expiry TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			fail_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_watch_active_unique
			ON watches(owner_id, source, resource_id) WHERE active`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// UpsertItem is the sole point of exclusion for the Pipeline (§5): a new
// row is inserted only if (source, source_id) is unseen; otherwise the
// existing row is returned untouched so the caller can branch on status.
func (s *PostgresStore) UpsertItem(ctx context.Context, item domain.Item) (UpsertResult, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO items (id, source, source_id, owner_id, project_id, title, author,
			received_at, body, metadata, status, revision, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		ON CONFLICT (source, source_id) DO UPDATE SET source = items.source
		RETURNING id, source, source_id, owner_id, project_id, title, author,
			received_at, body, metadata, status, revision, db_revision, created_at, updated_at,
			(xmax = 0) AS inserted
	`, item.ID, item.Source, item.SourceID, item.OwnerID, item.ProjectID, item.Title,
		item.Author, item.ReceivedAt, item.Body, metadataJSON(item.Metadata), item.Status,
		item.Revision, now)

	var out domain.Item
	var metaRaw []byte
	var inserted bool
	if err := row.Scan(&out.ID, &out.Source, &out.SourceID, &out.OwnerID, &out.ProjectID,
		&out.Title, &out.Author, &out.ReceivedAt, &out.Body, &metaRaw, &out.Status,
		&out.Revision, &out.DBRevision, &out.CreatedAt, &out.UpdatedAt, &inserted); err != nil {
		return UpsertResult{}, fmt.Errorf("upsert item: %w", err)
	}
	out.Metadata = metadataFromJSON(metaRaw)
	return UpsertResult{Item: out, Existed: !inserted}, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	return s.scanItem(s.pool.QueryRow(ctx, itemSelectByID, itemID))
}

func (s *PostgresStore) GetItemByKey(ctx context.Context, source domain.Source, sourceID string) (domain.Item, error) {
	return s.scanItem(s.pool.QueryRow(ctx, itemSelectByKey, source, sourceID))
}

const itemSelectByID = `SELECT id, source, source_id, owner_id, project_id, title, author,
	received_at, body, metadata, status, revision, db_revision, created_at, updated_at FROM items WHERE id = $1`

const itemSelectByKey = `SELECT id, source, source_id, owner_id, project_id, title, author,
	received_at, body, metadata, status, revision, db_revision, created_at, updated_at FROM items
	WHERE source = $1 AND source_id = $2`

func (s *PostgresStore) scanItem(row pgx.Row) (domain.Item, error) {
	var out domain.Item
	var metaRaw []byte
	if err := row.Scan(&out.ID, &out.Source, &out.SourceID, &out.OwnerID, &out.ProjectID,
		&out.Title, &out.Author, &out.ReceivedAt, &out.Body, &metaRaw, &out.Status,
		&out.Revision, &out.DBRevision, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Item{}, domain.ErrNotFound
		}
		return domain.Item{}, fmt.Errorf("scan item: %w", err)
	}
	out.Metadata = metadataFromJSON(metaRaw)
	return out, nil
}

// UpdateItem writes every mutable field in one statement, guarded by an
// optimistic-concurrency check on db_revision: the predicate only matches
// the row this item.DBRevision was read from, and the counter is bumped so
// the next reader's expected value advances. A zero-rows update where the
// id still exists means a concurrent UpdateItem won the race since this
// item was last read, reported as ErrRevisionConflict rather than silently
// overwriting or silently succeeding.
func (s *PostgresStore) UpdateItem(ctx context.Context, item domain.Item) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET project_id=$2, title=$3, author=$4, received_at=$5, body=$6,
			metadata=$7, status=$8, revision=$9, updated_at=$10, db_revision = db_revision + 1
		WHERE id = $1 AND db_revision = $11
	`, item.ID, item.ProjectID, item.Title, item.Author, item.ReceivedAt, item.Body,
		metadataJSON(item.Metadata), item.Status, item.Revision, time.Now().UTC(), item.DBRevision)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM items WHERE id = $1)`, item.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check item existence after failed update: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: item %s expected db_revision %d", domain.ErrRevisionConflict, item.ID, item.DBRevision)
}

func (s *PostgresStore) SoftDeleteItem(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE items SET status = $2, updated_at = now() WHERE id = $1`,
		itemID, domain.ItemDeleted)
	if err != nil {
		return fmt.Errorf("soft delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, userID string, source domain.Source) (domain.SyncCursor, error) {
	row := s.pool.QueryRow(ctx, `SELECT owner_id, source, token, last_polled_at FROM sync_cursors
		WHERE owner_id = $1 AND source = $2`, userID, source)
	var c domain.SyncCursor
	if err := row.Scan(&c.OwnerID, &c.Source, &c.Token, &c.LastPolledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncCursor{OwnerID: userID, Source: source}, nil
		}
		return domain.SyncCursor{}, fmt.Errorf("get cursor: %w", err)
	}
	return c, nil
}

// PutCursor is invoked only after a successful poll (I3); implementations
// never need to check a prior value, the caller already guarantees
// ordering by running polls for one (user, source) sequentially.
func (s *PostgresStore) PutCursor(ctx context.Context, cursor domain.SyncCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (owner_id, source, token, last_polled_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner_id, source) DO UPDATE SET token = EXCLUDED.token,
			last_polled_at = EXCLUDED.last_polled_at
	`, cursor.OwnerID, cursor.Source, cursor.Token, cursor.LastPolledAt)
	if err != nil {
		return fmt.Errorf("put cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetric(ctx context.Context, userID string, source domain.Source) (domain.ActivityMetric, error) {
	row := s.pool.QueryRow(ctx, `SELECT owner_id, source, items_seen, items_changed_24h,
		change_frequency, next_interval_mins, last_poll_at, virtual_mail_hit_24h, inactive_since
		FROM activity_metrics WHERE owner_id = $1 AND source = $2`, userID, source)
	var m domain.ActivityMetric
	var inactiveSince *time.Time
	var lastPoll *time.Time
	if err := row.Scan(&m.OwnerID, &m.Source, &m.ItemsSeen, &m.ItemsChanged24h,
		&m.ChangeFrequency, &m.NextIntervalMins, &lastPoll, &m.VirtualMailHit24h, &inactiveSince); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActivityMetric{OwnerID: userID, Source: source, NextIntervalMins: 30}, nil
		}
		return domain.ActivityMetric{}, fmt.Errorf("get metric: %w", err)
	}
	if lastPoll != nil {
		m.LastPollAt = *lastPoll
	}
	if inactiveSince != nil {
		m.InactiveSince = *inactiveSince
	}
	return m, nil
}

func (s *PostgresStore) PutMetric(ctx context.Context, m domain.ActivityMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_metrics (owner_id, source, items_seen, items_changed_24h,
			change_frequency, next_interval_mins, last_poll_at, virtual_mail_hit_24h, inactive_since)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (owner_id, source) DO UPDATE SET items_seen = EXCLUDED.items_seen,
			items_changed_24h = EXCLUDED.items_changed_24h, change_frequency = EXCLUDED.change_frequency,
			next_interval_mins = EXCLUDED.next_interval_mins, last_poll_at = EXCLUDED.last_poll_at,
			virtual_mail_hit_24h = EXCLUDED.virtual_mail_hit_24h, inactive_since = EXCLUDED.inactive_since
	`, m.OwnerID, m.Source, m.ItemsSeen, m.ItemsChanged24h, m.ChangeFrequency,
		m.NextIntervalMins, nullableTime(m.LastPollAt), m.VirtualMailHit24h, nullableTime(m.InactiveSince))
	if err != nil {
		return fmt.Errorf("put metric: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, l domain.ProcessingLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log (id, item_id, outcome, error_kind, detail, started_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, l.ID, l.ItemID, l.Outcome, l.ErrorKind, l.Detail, l.StartedAt, l.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutWatch(ctx context.Context, w domain.Watch) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watches (id, owner_id, source, resource_id, channel, expiry, active, fail_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET channel = EXCLUDED.channel, expiry = EXCLUDED.expiry,
			active = EXCLUDED.active, fail_count = EXCLUDED.fail_count
	`, w.ID, w.OwnerID, w.Source, w.ResourceID, w.Channel, w.Expiry, w.Active, w.FailCount)
	if err != nil {
		return fmt.Errorf("put watch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveWatch(ctx context.Context, userID string, source domain.Source, resourceID string) (domain.Watch, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, owner_id, source, resource_id, channel, expiry, active, fail_count
		FROM watches WHERE owner_id = $1 AND source = $2 AND resource_id = $3 AND active`,
		userID, source, resourceID)
	var w domain.Watch
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Source, &w.ResourceID, &w.Channel, &w.Expiry, &w.Active, &w.FailCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Watch{}, domain.ErrNotFound
		}
		return domain.Watch{}, fmt.Errorf("get active watch: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) DeactivateWatch(ctx context.Context, watchID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE watches SET active = FALSE WHERE id = $1`, watchID)
	if err != nil {
		return fmt.Errorf("deactivate watch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiringWatches(ctx context.Context, within time.Duration, now time.Time) ([]domain.Watch, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, owner_id, source, resource_id, channel, expiry, active, fail_count
		FROM watches WHERE active AND expiry <= $1`, now.Add(within))
	if err != nil {
		return nil, fmt.Errorf("list expiring watches: %w", err)
	}
	defer rows.Close()
	var out []domain.Watch
	for rows.Next() {
		var w domain.Watch
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Source, &w.ResourceID, &w.Channel, &w.Expiry, &w.Active, &w.FailCount); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, primary_mail_address, virtual_mail_address, active, suspended
		FROM users WHERE active AND NOT suspended`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PrimaryMailAddress, &u.VirtualMailAddress, &u.Active, &u.Suspended); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (domain.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, username, primary_mail_address, virtual_mail_address, active, suspended
		FROM users WHERE id = $1`, userID)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PrimaryMailAddress, &u.VirtualMailAddress, &u.Active, &u.Suspended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ResolveUserByMailAddress(ctx context.Context, address string) (domain.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, username, primary_mail_address, virtual_mail_address, active, suspended
		FROM users WHERE primary_mail_address = $1 OR virtual_mail_address = $1`, address)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PrimaryMailAddress, &u.VirtualMailAddress, &u.Active, &u.Suspended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("resolve user by mail address: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SetUserSuspended(ctx context.Context, userID string, suspended bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET suspended = $2 WHERE id = $1`, userID, suspended)
	if err != nil {
		return fmt.Errorf("set user suspended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, owner_id, status, tags, keywords, entity_patterns, notes
		FROM projects WHERE owner_id = $1 AND status != 'archived'`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Status, &p.Profile.Tags, &p.Profile.Keywords,
			&p.Profile.EntityPatterns, &p.Profile.Notes); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
