package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"digestbot/internal/schedule"
	logx "digestbot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// dialect captures the differences between sqlite and postgres.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// timeArg converts a timestamp into a driver argument.
	timeArg func(t time.Time) any
}

// sqlStore implements Store on database/sql for both SQL drivers.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}
	dir := "migrations/" + s.d.name
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(e.Name(), ".sql")
		var seen string
		err := s.db.QueryRowContext(ctx, s.q(`SELECT version FROM schema_migrations WHERE version = ?`), version).Scan(&seen)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		body, err := fs.ReadFile(migrationsFS, dir+"/"+e.Name())
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations(version) VALUES(?)`), version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("migration applied", logx.String("version", version), logx.String("dialect", s.d.name))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `id, email, name, timezone, preferred_send_time, send_frequency, weekend_delivery, last_sent_date, sources, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u                     User
		email, tz, pref, last sql.NullString
		sources               string
		createdAt, updatedAt  dbTime
	)
	if err := row.Scan(&u.ID, &email, &u.Name, &tz, &pref, &u.SendFrequency, &u.WeekendDelivery, &last, &sources, &createdAt, &updatedAt); err != nil {
		return User{}, err
	}
	u.Email = email.String
	u.Timezone = tz.String
	u.PreferredSendTime = pref.String
	u.LastSentDate = last.String
	u.CreatedAt = createdAt.t
	u.UpdatedAt = updatedAt.t
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &u.Sources); err != nil {
			return User{}, fmt.Errorf("user %s: decode sources: %w", u.ID, err)
		}
	}
	return u, nil
}

func (s *sqlStore) ListCandidates(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		WHERE email IS NOT NULL AND email <> ''
		  AND timezone IS NOT NULL AND timezone <> ''
		  AND preferred_send_time IS NOT NULL AND preferred_send_time <> ''
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	sources, err := json.Marshal(nonNilSources(u.Sources))
	if err != nil {
		return err
	}
	freq := u.SendFrequency
	if freq == "" {
		freq = string(schedule.FrequencyDaily)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email               = excluded.email,
			name                = excluded.name,
			timezone            = excluded.timezone,
			preferred_send_time = excluded.preferred_send_time,
			send_frequency      = excluded.send_frequency,
			weekend_delivery    = excluded.weekend_delivery,
			sources             = excluded.sources,
			updated_at          = excluded.updated_at`),
		u.ID, nullStr(u.Email), u.Name, nullStr(u.Timezone), nullStr(u.PreferredSendTime), freq,
		u.WeekendDelivery, nullStr(canonicalLastSent(u.LastSentDate)), string(sources),
		s.d.timeArg(u.CreatedAt), s.d.timeArg(now),
	)
	return err
}

// MarkSent is a compare-and-swap on the raw stored value, so a concurrent
// writer can never be overwritten with an older date.
func (s *sqlStore) MarkSent(ctx context.Context, userID string, date schedule.Date) (bool, error) {
	if date.IsZero() {
		return false, errors.New("mark sent: zero date")
	}
	for attempt := 0; attempt < 3; attempt++ {
		var stored sql.NullString
		err := s.db.QueryRowContext(ctx, s.q(`SELECT last_sent_date FROM users WHERE id = ?`), userID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return false, err
		}
		if !markerAdvances(stored.String, date) {
			return false, nil
		}

		var res sql.Result
		if stored.Valid {
			res, err = s.db.ExecContext(ctx, s.q(`UPDATE users SET last_sent_date = ?, updated_at = ? WHERE id = ? AND last_sent_date = ?`),
				date.String(), s.d.timeArg(s.now().UTC()), userID, stored.String)
		} else {
			res, err = s.db.ExecContext(ctx, s.q(`UPDATE users SET last_sent_date = ?, updated_at = ? WHERE id = ? AND last_sent_date IS NULL`),
				date.String(), s.d.timeArg(s.now().UTC()), userID)
		}
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
		// Lost a race with another writer; re-read and decide again.
	}
	return false, errors.New("mark sent: concurrent updates did not settle")
}

func (s *sqlStore) CreateRun(ctx context.Context, r RunRecord) error {
	results, err := json.Marshal(nonNilResults(r.Results))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO scheduling_runs (id, trigger_source, status, started_at, per_user_results)
		VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.Trigger, r.Status, s.d.timeArg(r.StartedAt.UTC()), string(results))
	return err
}

func (s *sqlStore) FinishRun(ctx context.Context, r RunRecord) error {
	results, err := json.Marshal(nonNilResults(r.Results))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scheduling_runs SET
			status = ?, finished_at = ?, candidates_checked = ?, matched_count = ?,
			sent_count = ?, error_count = ?, per_user_results = ?, run_error = ?
		WHERE id = ?`),
		r.Status, s.d.timeArg(r.FinishedAt.UTC()), r.CandidatesChecked, r.MatchedCount,
		r.SentCount, r.ErrorCount, string(results), nullStr(r.Error), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, trigger_source, status, started_at, finished_at, candidates_checked, matched_count,
		       sent_count, error_count, per_user_results, run_error
		FROM scheduling_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished dbTime
			results           string
			runErr            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &started, &finished, &r.CandidatesChecked,
			&r.MatchedCount, &r.SentCount, &r.ErrorCount, &results, &runErr); err != nil {
			return nil, err
		}
		r.StartedAt = started.t
		r.FinishedAt = finished.t
		r.Error = runErr.String
		if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
			return nil, fmt.Errorf("run %s: decode results: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// dbTime scans TEXT (sqlite) and TIMESTAMPTZ (postgres) columns alike.
type dbTime struct{ t time.Time }

func (d *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		d.t = time.Time{}
	case time.Time:
		d.t = x.UTC()
	case string:
		return d.parse(x)
	case []byte:
		return d.parse(string(x))
	default:
		return fmt.Errorf("dbTime: unsupported type %T", v)
	}
	return nil
}

func (d *dbTime) parse(s string) error {
	if s == "" {
		d.t = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	d.t = t.UTC()
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNilSources(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilResults(v []UserResult) []UserResult {
	if v == nil {
		return []UserResult{}
	}
	return v
}
