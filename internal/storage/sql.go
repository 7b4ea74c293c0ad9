package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "watchbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

const sqlOperationTimeout = 5 * time.Second

// sqlStore serves both sqlite and postgres; queries are written with "?"
// placeholders and rebound to "$n" for postgres.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	postgres bool
	limit    int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, false, cfg, log)
}

func openPostgres(cfg Config, log logx.Logger) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, true, cfg, log)
}

func newSQLStore(db *sql.DB, postgres bool, cfg Config, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{
		db:         db,
		log:        log.With(logx.String("comp", "storage.sql")),
		postgres:   postgres,
		limit:      cfg.HistoryLimit,
		pruneEvery: 50,
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// rebind rewrites "?" placeholders as "$1", "$2", ... for postgres.
func (s *sqlStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *sqlStore) LoadState(ctx context.Context, key string) (State, bool, error) {
	var (
		lastURL sql.NullString
		lastAt  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT last_url, last_announced_at FROM watch_state WHERE tenant_key = ?`),
		strings.ToLower(key),
	).Scan(&lastURL, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	st := State{LastURL: lastURL.String}
	if lastAt.Valid && lastAt.String != "" {
		at, err := time.Parse(time.RFC3339Nano, lastAt.String)
		if err != nil {
			return State{}, false, fmt.Errorf("decode last_announced_at: %w", err)
		}
		st.LastAnnouncedAt = &at
	}
	return st, true, nil
}

func (s *sqlStore) SaveState(ctx context.Context, key string, st State) error {
	var at any
	if st.LastAnnouncedAt != nil {
		at = st.LastAnnouncedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO watch_state(tenant_key, last_url, last_announced_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_key) DO UPDATE SET
		   last_url = excluded.last_url,
		   last_announced_at = excluded.last_announced_at,
		   updated_at = excluded.updated_at`),
		strings.ToLower(key), nullStr(st.LastURL), at, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqlStore) AppendMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO channel_messages(channel_id, msg_id, body, created_ms) VALUES(?,?,?,?)
		 ON CONFLICT(channel_id, msg_id) DO UPDATE SET body = excluded.body`),
		m.ChannelID, m.ID, m.Text, m.CreatedAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		if perr := s.prune(pctx, m.ChannelID); perr != nil {
			s.log.Debug("history prune failed", logx.String("channel", m.ChannelID), logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) prune(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM channel_messages WHERE channel_id = ? AND msg_id NOT IN (
		   SELECT msg_id FROM channel_messages WHERE channel_id = ?
		   ORDER BY created_ms DESC, msg_id DESC LIMIT ?)`),
		channelID, channelID, s.limit,
	)
	return err
}

func (s *sqlStore) RecentMessages(ctx context.Context, channelID string, n int) ([]Message, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT msg_id, body, created_ms FROM channel_messages WHERE channel_id = ?
		 ORDER BY created_ms DESC, msg_id DESC LIMIT ?`),
		channelID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			ms int64
		)
		if err := rows.Scan(&m.ID, &m.Text, &ms); err != nil {
			return nil, err
		}
		m.ChannelID = channelID
		m.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
