// Package database provides the durable store adapters: SQLite, in-memory and
// a circuit-breaking decorator.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
	dbconfig "huddle/pkg/database"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

var (
	ErrClosed       = errors.New("database manager is closed")
	ErrWriteTimeout = errors.New("write operation timeout")
)

// Manager is the SQLite implementation of interfaces.DurableStore.
// ARCHITECTURAL DISCOVERY: reads go straight to the pool; every write is
// funnelled through one goroutine so SQLite never sees competing writers.
type Manager struct {
	db     *sql.DB
	config *dbconfig.Config
	log    zerolog.Logger

	writeCh  chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ interfaces.DurableStore = (*Manager)(nil)

type writeOperation struct {
	ctx    context.Context
	fn     func(ctx context.Context, db *sql.DB) error
	result chan error
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(cfg *dbconfig.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:       db,
		config:   cfg,
		log:      logging.Component("database"),
		writeCh:  make(chan writeOperation, 100),
		shutdown: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// writeLoop runs every write. A failed write is retried exactly once after
// WriteRetryDelay; ErrNotFound is a result, not a failure, and is not retried.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeCh:
			err := op.fn(op.ctx, m.db)
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) && op.ctx.Err() == nil {
				m.log.Warn().Err(err).Dur("retry_in", m.config.WriteRetryDelay).Msg("database write failed, retrying")
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.fn(op.ctx, m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeCh <- writeOperation{ctx: ctx, fn: fn, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrClosed
	}
}

const messageColumns = `id, group_id, sender_id, sender_name, sender_avatar, text, is_encrypted, is_system,
	created_at, attachments, reactions, read_by, edit_history, edited_at, pinned, pinned_by, pinned_at, reply_to`

// CreateMessage inserts a message.
func (m *Manager) CreateMessage(ctx context.Context, msg *types.Message) error {
	row, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.GroupID, msg.SenderID, msg.SenderName, msg.SenderAvatar, msg.Text,
			msg.IsEncrypted, msg.IsSystem, msg.CreatedAt.UnixNano(),
			row.attachments, row.reactions, row.readBy, row.editHistory,
			nanosOrNull(msg.EditedAt), msg.Pinned, msg.PinnedBy, nanosOrNull(msg.PinnedAt), row.replyTo,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// FindMessages returns messages newest first.
func (m *Manager) FindMessages(ctx context.Context, q interfaces.MessageQuery) ([]*types.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.MessageID != "" {
		rows, err = m.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, q.MessageID)
	} else {
		before := int64(math.MaxInt64)
		if !q.Before.IsZero() {
			before = q.Before.UnixNano()
		}
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		pinned := ""
		if q.PinnedOnly {
			pinned = " AND pinned = 1"
		}
		rows, err = m.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE group_id = ? AND created_at < ?`+pinned+`
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, q.GroupID, before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return out, nil
}

// UpdateMessage rewrites the mutable columns of a message.
func (m *Manager) UpdateMessage(ctx context.Context, msg *types.Message) error {
	row, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE messages SET
				text = ?, is_encrypted = ?, reactions = ?, read_by = ?, edit_history = ?,
				edited_at = ?, pinned = ?, pinned_by = ?, pinned_at = ?
			WHERE id = ?`,
			msg.Text, msg.IsEncrypted, row.reactions, row.readBy, row.editHistory,
			nanosOrNull(msg.EditedAt), msg.Pinned, msg.PinnedBy, nanosOrNull(msg.PinnedAt),
			msg.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteMessage removes a message row.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return requireAffected(res)
	})
}

// SaveGroup upserts a group.
func (m *Manager) SaveGroup(ctx context.Context, g *types.Group) error {
	settings, err := json.Marshal(g.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	moderators, err := json.Marshal(g.ModeratorIDs())
	if err != nil {
		return fmt.Errorf("failed to marshal moderators: %w", err)
	}
	members, err := json.Marshal(g.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO groups
				(id, name, owner_id, invite_code, settings, moderators, members, encryption_key, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				owner_id = excluded.owner_id,
				invite_code = excluded.invite_code,
				settings = excluded.settings,
				moderators = excluded.moderators,
				members = excluded.members,
				encryption_key = excluded.encryption_key,
				last_activity = excluded.last_activity`,
			g.ID, g.Name, g.OwnerID, g.InviteCode, string(settings), string(moderators), string(members),
			g.EncryptionKey, g.CreatedAt.UnixNano(), g.LastActivity.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to save group: %w", err)
		}
		return nil
	})
}

// ListGroups loads every group.
func (m *Manager) ListGroups(ctx context.Context) ([]*types.Group, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, name, owner_id, invite_code, settings, moderators,
		members, encryption_key, created_at, last_activity FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Group
	for rows.Next() {
		var (
			g                             types.Group
			settings, moderators, members string
			createdAt, lastActivity       int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.InviteCode, &settings, &moderators,
			&members, &g.EncryptionKey, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		if err := json.Unmarshal([]byte(settings), &g.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		var modIDs []string
		if err := json.Unmarshal([]byte(moderators), &modIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal moderators: %w", err)
		}
		g.Moderators = make(map[string]bool, len(modIDs))
		for _, id := range modIDs {
			g.Moderators[id] = true
		}
		if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
			return nil, fmt.Errorf("failed to unmarshal members: %w", err)
		}
		if g.Members == nil {
			g.Members = make(map[string]time.Time)
		}
		g.CreatedAt = time.Unix(0, createdAt).UTC()
		g.LastActivity = time.Unix(0, lastActivity).UTC()
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group rows: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM groups").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type encodedMessage struct {
	attachments, reactions, readBy, editHistory string
	// replyTo is empty for messages that quote nothing.
	replyTo string
}

func encodeMessage(msg *types.Message) (encodedMessage, error) {
	var out encodedMessage
	fields := []struct {
		dst *string
		v   any
	}{
		{&out.attachments, nonNil(msg.Attachments)},
		{&out.reactions, nonNilMap(msg.Reactions)},
		{&out.readBy, nonNil(msg.ReadBy)},
		{&out.editHistory, nonNil(msg.EditHistory)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return out, fmt.Errorf("failed to marshal message field: %w", err)
		}
		*f.dst = string(b)
	}
	if msg.ReplyTo != nil {
		b, err := json.Marshal(msg.ReplyTo)
		if err != nil {
			return out, fmt.Errorf("failed to marshal reply reference: %w", err)
		}
		out.replyTo = string(b)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*types.Message, error) {
	var (
		msg                                         types.Message
		createdAt                                   int64
		editedAt, pinnedAt                          sql.NullInt64
		attachments, reactions, readBy, editHistory string
		replyTo                                     string
	)
	err := s.Scan(&msg.ID, &msg.GroupID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatar, &msg.Text,
		&msg.IsEncrypted, &msg.IsSystem, &createdAt, &attachments, &reactions, &readBy, &editHistory,
		&editedAt, &msg.Pinned, &msg.PinnedBy, &pinnedAt, &replyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.EditedAt = timeOrNil(editedAt)
	msg.PinnedAt = timeOrNil(pinnedAt)

	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reactions: %w", err)
	}
	if err := json.Unmarshal([]byte(readBy), &msg.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal read receipts: %w", err)
	}
	if err := json.Unmarshal([]byte(editHistory), &msg.EditHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edit history: %w", err)
	}
	if replyTo != "" {
		msg.ReplyTo = &types.ReplyRef{}
		if err := json.Unmarshal([]byte(replyTo), msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reply reference: %w", err)
		}
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	if len(msg.EditHistory) == 0 {
		msg.EditHistory = nil
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return &msg, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
