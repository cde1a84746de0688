package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentloom/loom/pkg/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres is the durable Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and runs pending migrations.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// --- sessions ---

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = models.SessionCreated
	}
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, name, status, agent_id, config, revision, forked_of, last_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		s.ID, s.Name, s.Status, s.AgentID, cfg, s.Revision, s.ForkedOf, s.LastMode, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return models.NewError(models.ErrKindAlreadyExists, "session %s already exists", s.ID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "creating session %s", s.ID)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `
		SELECT id, name, status, agent_id, config, revision, COALESCE(forked_of, ''), last_mode, created_at, updated_at
		FROM sessions WHERE id = $1`, id), id)
}

func scanSession(row pgx.Row, id string) (*models.Session, error) {
	var s models.Session
	var cfg []byte
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.AgentID, &cfg, &s.Revision, &s.ForkedOf, &s.LastMode, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrKindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading session %s", id)
	}
	if err := json.Unmarshal(cfg, &s.Config); err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "decoding session %s config", id)
	}
	return &s, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s *models.Session) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE sessions
		SET name = $2, status = $3, agent_id = $4, config = $5, last_mode = $6,
		    revision = revision + 1, updated_at = now()
		WHERE id = $1
		RETURNING revision`,
		s.ID, s.Name, s.Status, s.AgentID, cfg, s.LastMode)
	err = row.Scan(&s.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewError(models.ErrKindNotFound, "session %s not found", s.ID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "updating session %s", s.ID)
	}
	return nil
}

func (p *Postgres) EndSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, revision = revision + 1, updated_at = now()
		WHERE id = $1`, id, models.SessionEnded)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "ending session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrKindNotFound, "session %s not found", id)
	}
	return nil
}

// --- messages & tool calls ---

func (p *Postgres) AppendMessage(ctx context.Context, msg *models.Message, calls []*models.ToolCall) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "beginning append transaction")
	}
	defer tx.Rollback(ctx)

	// Lock the session row: seq assignment must be race-free.
	var status models.SessionStatus
	err = tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, msg.SessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewError(models.ErrKindNotFound, "session %s not found", msg.SessionID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "locking session %s", msg.SessionID)
	}
	if status == models.SessionEnded {
		return models.NewError(models.ErrKindInvalidState, "session %s is ended", msg.SessionID)
	}

	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, msg.SessionID).Scan(&msg.Seq)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "counting messages for %s", msg.SessionID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_call_id, attachments, seq, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.ToolCallID, attachments, msg.Seq, msg.CreatedAt)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "inserting message %s", msg.ID)
	}

	for _, tc := range calls {
		tc.MessageID = msg.ID
		tc.SessionID = msg.SessionID
		if tc.CreatedAt.IsZero() {
			tc.CreatedAt = time.Now()
		}
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			return fmt.Errorf("marshaling tool call arguments: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tool_calls (id, message_id, session_id, name, arguments, status, result,
			                        error_kind, error_detail, source, started_at, completed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			tc.ID, tc.MessageID, tc.SessionID, tc.Name, args, tc.Status, tc.Result,
			tc.ErrorKind, tc.ErrorDetail, tc.Source, tc.StartedAt, tc.CompletedAt, tc.CreatedAt)
		if err != nil {
			return models.WrapError(models.ErrKindDatabase, err, "inserting tool call %s", tc.ID)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET revision = revision + 1, updated_at = now(),
		       status = CASE WHEN status = 'created' THEN 'active' ELSE status END
		WHERE id = $1`, msg.SessionID)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "bumping session %s", msg.SessionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "committing append")
	}
	return nil
}

func (p *Postgres) GetHistory(ctx context.Context, sessionID string, cursor, limit int) ([]*models.Message, int, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	if cursor < 0 {
		cursor = 0
	}
	query := `
		SELECT id, session_id, role, content, COALESCE(tool_call_id, ''), attachments, seq, created_at
		FROM messages WHERE session_id = $1 AND seq >= $2 ORDER BY seq`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, models.WrapError(models.ErrKindDatabase, err, "reading history for %s", sessionID)
	}
	defer rows.Close()

	next := cursor
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCallID, &attachments, &m.Seq, &m.CreatedAt); err != nil {
			return nil, 0, models.WrapError(models.ErrKindDatabase, err, "scanning message")
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, 0, models.WrapError(models.ErrKindDatabase, err, "decoding attachments for %s", m.ID)
			}
		}
		next = m.Seq + 1
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, models.WrapError(models.ErrKindDatabase, err, "iterating history for %s", sessionID)
	}
	if err := p.fillToolCallIDs(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, next, nil
}

// fillToolCallIDs populates Message.ToolCallIDs from the tool_calls table.
func (p *Postgres) fillToolCallIDs(ctx context.Context, msgs []*models.Message) error {
	byID := make(map[string]*models.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id FROM tool_calls WHERE message_id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "reading tool call links")
	}
	defer rows.Close()
	for rows.Next() {
		var tcID, msgID string
		if err := rows.Scan(&tcID, &msgID); err != nil {
			return models.WrapError(models.ErrKindDatabase, err, "scanning tool call link")
		}
		if m, ok := byID[msgID]; ok {
			m.ToolCallIDs = append(m.ToolCallIDs, tcID)
		}
	}
	return rows.Err()
}

func (p *Postgres) MessageCount(ctx context.Context, sessionID string) (int, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, models.WrapError(models.ErrKindDatabase, err, "counting messages for %s", sessionID)
	}
	return count, nil
}

const toolCallColumns = `id, message_id, session_id, name, arguments, status, result,
	error_kind, error_detail, source, started_at, completed_at, created_at`

func scanToolCall(row pgx.Row) (*models.ToolCall, error) {
	var tc models.ToolCall
	var args []byte
	err := row.Scan(&tc.ID, &tc.MessageID, &tc.SessionID, &tc.Name, &args, &tc.Status, &tc.Result,
		&tc.ErrorKind, &tc.ErrorDetail, &tc.Source, &tc.StartedAt, &tc.CompletedAt, &tc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &tc.Arguments); err != nil {
			return nil, err
		}
	}
	return &tc, nil
}

func (p *Postgres) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	tc, err := scanToolCall(p.pool.QueryRow(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrKindNotFound, "tool call %s not found", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading tool call %s", id)
	}
	return tc, nil
}

func (p *Postgres) GetToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCall, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading tool calls for %s", sessionID)
	}
	defer rows.Close()
	var out []*models.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrKindDatabase, err, "scanning tool call")
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateToolCall(ctx context.Context, tc *models.ToolCall) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "beginning tool call update")
	}
	defer tx.Rollback(ctx)
	if err := updateToolCallTx(ctx, tx, tc); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "committing tool call update")
	}
	return nil
}

func updateToolCallTx(ctx context.Context, tx pgx.Tx, tc *models.ToolCall) error {
	var current models.ToolCallStatus
	err := tx.QueryRow(ctx, `SELECT status FROM tool_calls WHERE id = $1 FOR UPDATE`, tc.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewError(models.ErrKindNotFound, "tool call %s not found", tc.ID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "locking tool call %s", tc.ID)
	}
	if current != tc.Status && !models.CanTransition(current, tc.Status) {
		return models.NewError(models.ErrKindInvalidState,
			"tool call %s: illegal transition %s → %s", tc.ID, current, tc.Status)
	}
	args, err := json.Marshal(tc.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling tool call arguments: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE tool_calls
		SET arguments = $2, status = $3, result = $4, error_kind = $5, error_detail = $6,
		    started_at = $7, completed_at = $8
		WHERE id = $1`,
		tc.ID, args, tc.Status, tc.Result, tc.ErrorKind, tc.ErrorDetail, tc.StartedAt, tc.CompletedAt)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "updating tool call %s", tc.ID)
	}
	return nil
}

func (p *Postgres) Fork(ctx context.Context, sessionID, label string) (*models.Session, error) {
	src, err := p.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "beginning fork")
	}
	defer tx.Rollback(ctx)

	forked := *src
	forked.ID = uuid.New().String()
	forked.ForkedOf = sessionID
	forked.Status = models.SessionActive
	forked.Revision = 0
	forked.CreatedAt = time.Now()
	forked.UpdatedAt = forked.CreatedAt
	if label != "" {
		forked.Name = label
	}

	cfg, err := json.Marshal(forked.Config)
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, name, status, agent_id, config, revision, forked_of, last_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)`,
		forked.ID, forked.Name, forked.Status, forked.AgentID, cfg, forked.ForkedOf, forked.LastMode, forked.CreatedAt, forked.UpdatedAt)
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "inserting forked session")
	}

	// Copy messages with fresh ids, remembering the old→new mapping so
	// copied tool calls stay attached.
	rows, err := tx.Query(ctx, `
		SELECT id, role, content, COALESCE(tool_call_id, ''), attachments, seq, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading source messages")
	}
	type srcMessage struct {
		oldID, newID, role, content, toolCallID string
		attachments                             []byte
		seq                                     int
		createdAt                               time.Time
	}
	var msgs []srcMessage
	for rows.Next() {
		var m srcMessage
		if err := rows.Scan(&m.oldID, &m.role, &m.content, &m.toolCallID, &m.attachments, &m.seq, &m.createdAt); err != nil {
			rows.Close()
			return nil, models.WrapError(models.ErrKindDatabase, err, "scanning source message")
		}
		m.newID = uuid.New().String()
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "iterating source messages")
	}

	msgIDMap := make(map[string]string, len(msgs))
	for _, m := range msgs {
		msgIDMap[m.oldID] = m.newID
	}
	for _, m := range msgs {
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, role, content, tool_call_id, attachments, seq, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
			m.newID, forked.ID, m.role, m.content, m.toolCallID, m.attachments, m.seq, m.createdAt)
		if err != nil {
			return nil, models.WrapError(models.ErrKindDatabase, err, "copying message")
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tool_calls (id, message_id, session_id, name, arguments, status, result,
		                        error_kind, error_detail, source, started_at, completed_at, created_at)
		SELECT gen_random_uuid()::text, m.new_id, $2, t.name, t.arguments, t.status, t.result,
		       t.error_kind, t.error_detail, t.source, t.started_at, t.completed_at, t.created_at
		FROM tool_calls t
		JOIN (SELECT unnest($3::text[]) AS old_id, unnest($4::text[]) AS new_id) m ON m.old_id = t.message_id
		WHERE t.session_id = $1`,
		sessionID, forked.ID, keysOf(msgIDMap), valuesOf(msgIDMap))
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "copying tool calls")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "committing fork")
	}
	return &forked, nil
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func valuesOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, m[k])
	}
	return out
}

func (p *Postgres) TruncateMessages(ctx context.Context, sessionID string, count int) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "beginning truncate")
	}
	defer tx.Rollback(ctx)

	var total int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "counting messages for %s", sessionID)
	}
	if count < 0 || count > total {
		return models.NewError(models.ErrKindValidation, "truncate count %d out of range [0,%d]", count, total)
	}

	// Cascades delete the truncated messages' tool calls.
	_, err = tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1 AND seq >= $2`, sessionID, count)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "truncating messages for %s", sessionID)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET revision = revision + 1, updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "bumping session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrKindNotFound, "session %s not found", sessionID)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "committing truncate")
	}
	return nil
}

// --- approvals ---

func (p *Postgres) CreateApproval(ctx context.Context, a *models.Approval) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO approvals (id, tool_call_id, session_id, risk, risk_score, rationale, status,
		                       resolver_id, comment, created_at, expires_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.ToolCallID, a.SessionID, a.Risk, a.RiskScore, a.Rationale, a.Status,
		a.ResolverID, a.Comment, a.CreatedAt, a.ExpiresAt, a.ResolvedAt)
	if isUniqueViolation(err) {
		return models.NewError(models.ErrKindAlreadyExists,
			"tool call %s already has a pending approval", a.ToolCallID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "creating approval %s", a.ID)
	}
	return nil
}

const approvalColumns = `id, tool_call_id, session_id, risk, risk_score, rationale, status,
	resolver_id, comment, created_at, expires_at, resolved_at`

func scanApproval(row pgx.Row) (*models.Approval, error) {
	var a models.Approval
	err := row.Scan(&a.ID, &a.ToolCallID, &a.SessionID, &a.Risk, &a.RiskScore, &a.Rationale, &a.Status,
		&a.ResolverID, &a.Comment, &a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	a, err := scanApproval(p.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrKindNotFound, "approval %s not found", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading approval %s", id)
	}
	return a, nil
}

func (p *Postgres) PendingForToolCall(ctx context.Context, toolCallID string) (*models.Approval, error) {
	a, err := scanApproval(p.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE tool_call_id = $1 AND status = 'pending'`, toolCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading pending approval for %s", toolCallID)
	}
	return a, nil
}

func (p *Postgres) ResolveApproval(ctx context.Context, a *models.Approval, tc *models.ToolCall) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "beginning approval resolution")
	}
	defer tx.Rollback(ctx)

	var current models.ApprovalStatus
	err = tx.QueryRow(ctx, `SELECT status FROM approvals WHERE id = $1 FOR UPDATE`, a.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewError(models.ErrKindNotFound, "approval %s not found", a.ID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "locking approval %s", a.ID)
	}
	if current.Terminal() {
		return models.NewError(models.ErrKindInvalidState, "approval %s already resolved to %s", a.ID, current)
	}

	_, err = tx.Exec(ctx, `
		UPDATE approvals SET status = $2, resolver_id = $3, comment = $4, resolved_at = $5
		WHERE id = $1`,
		a.ID, a.Status, a.ResolverID, a.Comment, a.ResolvedAt)
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "resolving approval %s", a.ID)
	}
	if tc != nil {
		if err := updateToolCallTx(ctx, tx, tc); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "committing approval resolution")
	}
	return nil
}

// --- checkpoints ---

func (p *Postgres) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	toolCalls, err := json.Marshal(cp.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint tool calls: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, session_id, message_count, tool_calls, state, state_version, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.SessionID, cp.MessageCount, toolCalls, []byte(cp.State), cp.StateVersion, cp.Label, cp.CreatedAt)
	if isUniqueViolation(err) {
		return models.NewError(models.ErrKindAlreadyExists, "checkpoint %s already exists", cp.ID)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "creating checkpoint %s", cp.ID)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var toolCalls, state []byte
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.MessageCount, &toolCalls, &state, &cp.StateVersion, &cp.Label, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &cp.ToolCalls); err != nil {
			return nil, err
		}
	}
	cp.State = state
	return &cp, nil
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(p.pool.QueryRow(ctx, `
		SELECT id, session_id, message_count, tool_calls, state, state_version, label, created_at
		FROM checkpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrKindNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "reading checkpoint %s", id)
	}
	return cp, nil
}

func (p *Postgres) ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, message_count, tool_calls, state, state_version, label, created_at
		FROM checkpoints WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, models.WrapError(models.ErrKindDatabase, err, "listing checkpoints for %s", sessionID)
	}
	defer rows.Close()
	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrKindDatabase, err, "scanning checkpoint")
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- shared state ---

func (p *Postgres) SaveState(ctx context.Context, sessionID string, value json.RawMessage, expectVersion, version int64) error {
	var tag pgconn.CommandTag
	var err error
	if expectVersion == 0 {
		// First write may insert; the conflict arm still enforces CAS.
		tag, err = p.pool.Exec(ctx, `
			INSERT INTO session_state (session_id, value, version, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (session_id) DO UPDATE
			SET value = EXCLUDED.value, version = EXCLUDED.version, updated_at = now()
			WHERE session_state.version = 0`,
			sessionID, []byte(value), version)
	} else {
		tag, err = p.pool.Exec(ctx, `
			UPDATE session_state SET value = $2, version = $3, updated_at = now()
			WHERE session_id = $1 AND version = $4`,
			sessionID, []byte(value), version, expectVersion)
	}
	if err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "saving state for %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrKindInvalidState,
			"state CAS failure for session %s: expected version %d", sessionID, expectVersion)
	}
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, sessionID string) (json.RawMessage, int64, error) {
	var value []byte
	var version int64
	err := p.pool.QueryRow(ctx, `SELECT value, version FROM session_state WHERE session_id = $1`, sessionID).
		Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, models.WrapError(models.ErrKindDatabase, err, "loading state for %s", sessionID)
	}
	return value, version, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
