package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Writes run at READ COMMITTED. The sequence_counters row is locked with
//     SELECT ... FOR UPDATE, which serializes writers of one conversation only.
//   - Reads run in a REPEATABLE READ READ ONLY transaction so a page and its
//     max_seq come from the same snapshot.
//   - Serialization failures and deadlocks are reported as ErrTransient.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	t      pgTables
}

type pgTables struct {
	conversations string
	counters      string
	members       string
	reads         string
	messages      string
	delivery      string
	mentions      string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	st.t = pgTables{
		conversations: pgIdent(st.schema, "conversations"),
		counters:      pgIdent(st.schema, "sequence_counters"),
		members:       pgIdent(st.schema, "conversation_members"),
		reads:         pgIdent(st.schema, "membership_read_state"),
		messages:      pgIdent(st.schema, "messages"),
		delivery:      pgIdent(st.schema, "delivery_state"),
		mentions:      pgIdent(st.schema, "mentions"),
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(postgresSchema, "__SCHEMA__", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("messaging: migrate postgres: %w", err)
	}
	return nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, conversationID string, fn func(Tx) error) error {
	const op = "messaging.postgres.Update"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return pgClassify(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, conv: conversationID, t: &s.t, schema: s.schema}); err != nil {
		return pgClassify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pgClassify(op, err)
	}
	return nil
}

// View implements Store.
func (s *PostgresStore) View(ctx context.Context, conversationID string, fn func(ReadTx) error) error {
	const op = "messaging.postgres.View"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return pgClassify(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, conv: conversationID, t: &s.t, schema: s.schema}); err != nil {
		return pgClassify(op, err)
	}
	return pgClassify(op, tx.Commit(ctx))
}

// IsMember implements Membership.
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	role, err := s.Role(ctx, conversationID, userID)
	return role != RoleNone, err
}

// Role implements Membership.
func (s *PostgresStore) Role(ctx context.Context, conversationID, userID string) (Role, error) {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return RoleNone, nil
	}

	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM `+s.t.members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	return Role(role), nil
}

type pgTx struct {
	tx     pgx.Tx
	conv   string
	t      *pgTables
	schema string
}

const pgMessageCols = `id, conversation_id, client_msg_id, author_id, position, text, attachments,
	parent_id, reply_to_id, reply_count, created_at, edited_at, deleted_at`

func pgScanMessage(row pgx.Row) (Message, error) {
	var (
		m                             Message
		clientID, parentID, replyToID *string
		attachments                   []byte
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &clientID, &m.AuthorID, &m.Position, &m.Text, &attachments,
		&parentID, &replyToID, &m.ReplyCount, &m.CreatedAt, &m.EditedAt, &m.DeletedAt,
	)
	if err != nil {
		return Message{}, pgNoRows(err)
	}
	m.ClientMsgID = deref(clientID)
	m.ParentID = deref(parentID)
	m.ReplyToID = deref(replyToID)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("messaging: decode attachments of %s: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.EditedAt = utcPtr(m.EditedAt)
	m.DeletedAt = utcPtr(m.DeletedAt)
	return m, nil
}

func (t *pgTx) queryMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := pgScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- reads ----

func (t *pgTx) Conversation(ctx context.Context) (Conversation, error) {
	var c Conversation
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, kind, message_count, last_message_at, created_at
		   FROM `+t.t.conversations+`
		  WHERE id = $1`,
		t.conv,
	).Scan(&c.ID, &c.TenantID, &c.Kind, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		return Conversation{}, pgNoRows(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = utcPtr(c.LastMessageAt)
	return c, nil
}

func (t *pgTx) CurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := t.tx.QueryRow(ctx,
		`SELECT current_position FROM `+t.t.counters+` WHERE conversation_id = $1`,
		t.conv,
	).Scan(&pos)
	return pos, pgNoRows(err)
}

func (t *pgTx) Message(ctx context.Context, messageID string) (Message, error) {
	return pgScanMessage(t.tx.QueryRow(ctx,
		`SELECT `+pgMessageCols+` FROM `+t.t.messages+` WHERE conversation_id = $1 AND id = $2`,
		t.conv, messageID,
	))
}

func (t *pgTx) MessageByClientID(ctx context.Context, clientMsgID string) (Message, error) {
	return pgScanMessage(t.tx.QueryRow(ctx,
		`SELECT `+pgMessageCols+` FROM `+t.t.messages+` WHERE conversation_id = $1 AND client_msg_id = $2`,
		t.conv, clientMsgID,
	))
}

func (t *pgTx) MessagesSince(ctx context.Context, after int64, limit int) ([]Message, error) {
	return t.queryMessages(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND position > $2 AND deleted_at IS NULL
		  ORDER BY position ASC
		  LIMIT $3`,
		t.conv, after, limit,
	)
}

func (t *pgTx) MessagesBefore(ctx context.Context, c Cursor, limit int) ([]Message, error) {
	return t.queryMessages(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND deleted_at IS NULL AND (created_at, position) < ($2, $3)
		  ORDER BY created_at DESC, position DESC
		  LIMIT $4`,
		t.conv, c.CreatedAt, c.Position, limit,
	)
}

func (t *pgTx) MessagesAfter(ctx context.Context, c Cursor, limit int) ([]Message, error) {
	return t.queryMessages(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND deleted_at IS NULL AND (created_at, position) > ($2, $3)
		  ORDER BY created_at ASC, position ASC
		  LIMIT $4`,
		t.conv, c.CreatedAt, c.Position, limit,
	)
}

func (t *pgTx) LatestMessages(ctx context.Context, limit int) ([]Message, error) {
	return t.queryMessages(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND deleted_at IS NULL
		  ORDER BY created_at DESC, position DESC
		  LIMIT $2`,
		t.conv, limit,
	)
}

func (t *pgTx) Replies(ctx context.Context, parentID string, before *Cursor, limit int) ([]Message, error) {
	if before == nil {
		return t.queryMessages(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+t.t.messages+`
			  WHERE conversation_id = $1 AND parent_id = $2 AND deleted_at IS NULL
			  ORDER BY created_at DESC, position DESC
			  LIMIT $3`,
			t.conv, parentID, limit,
		)
	}
	return t.queryMessages(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND parent_id = $2 AND deleted_at IS NULL
		    AND (created_at, position) < ($3, $4)
		  ORDER BY created_at DESC, position DESC
		  LIMIT $5`,
		t.conv, parentID, before.CreatedAt, before.Position, limit,
	)
}

func (t *pgTx) Member(ctx context.Context, userID string) (Member, error) {
	var (
		m    Member
		role string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT conversation_id, user_id, role, joined_at
		   FROM `+t.t.members+`
		  WHERE conversation_id = $1 AND user_id = $2`,
		t.conv, userID,
	).Scan(&m.ConversationID, &m.UserID, &role, &m.JoinedAt)
	if err != nil {
		return Member{}, pgNoRows(err)
	}
	m.Role = Role(role)
	m.JoinedAt = m.JoinedAt.UTC()
	return m, nil
}

func (t *pgTx) Members(ctx context.Context) ([]Member, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT conversation_id, user_id, role, joined_at
		   FROM `+t.t.members+`
		  WHERE conversation_id = $1
		  ORDER BY joined_at ASC, user_id ASC`,
		t.conv,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m    Member
			role string
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.JoinedAt = m.JoinedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) readState(ctx context.Context, userID string, forUpdate bool) (ReadState, error) {
	q := `SELECT conversation_id, user_id, last_read_position, unread_count
	        FROM ` + t.t.reads + `
	       WHERE conversation_id = $1 AND user_id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var rs ReadState
	err := t.tx.QueryRow(ctx, q, t.conv, userID).Scan(&rs.ConversationID, &rs.UserID, &rs.LastReadPosition, &rs.UnreadCount)
	return rs, pgNoRows(err)
}

func (t *pgTx) ReadState(ctx context.Context, userID string) (ReadState, error) {
	return t.readState(ctx, userID, false)
}

func (t *pgTx) DeliveryStates(ctx context.Context, messageID string) ([]DeliveryState, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT message_id, user_id, flags
		   FROM `+t.t.delivery+`
		  WHERE conversation_id = $1 AND message_id = $2
		  ORDER BY user_id ASC`,
		t.conv, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryState
	for rows.Next() {
		var (
			ds    DeliveryState
			flags int16
		)
		if err := rows.Scan(&ds.MessageID, &ds.UserID, &flags); err != nil {
			return nil, err
		}
		ds.Flags = DeliveryFlags(flags) & flagsMask
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (t *pgTx) Mentions(ctx context.Context, messageID string) ([]Mention, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT message_id, mentioned_user_id, mentioner_user_id
		   FROM `+t.t.mentions+`
		  WHERE conversation_id = $1 AND message_id = $2
		  ORDER BY created_at ASC, mentioned_user_id ASC`,
		t.conv, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mention
	for rows.Next() {
		var mn Mention
		if err := rows.Scan(&mn.MessageID, &mn.MentionedUserID, &mn.MentionerUserID); err != nil {
			return nil, err
		}
		out = append(out, mn)
	}
	return out, rows.Err()
}

// ---- writes ----

func (t *pgTx) CreateConversation(ctx context.Context, c Conversation) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.t.conversations+` (id, tenant_id, kind, message_count, created_at)
		 VALUES ($1, $2, $3, 0, $4)`,
		c.ID, c.TenantID, c.Kind, c.CreatedAt,
	); err != nil {
		if pgIsUniqueViolation(err) {
			return OpError{Op: "messaging.postgres.CreateConversation", Kind: ErrConflict, Msg: "conversation already exists"}
		}
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.t.counters+` (conversation_id, current_position) VALUES ($1, 0)`,
		c.ID,
	)
	return err
}

func (t *pgTx) RecordActivity(ctx context.Context, delta int64, at *time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.conversations+`
		    SET message_count = GREATEST(message_count + $2, 0),
		        last_message_at = COALESCE($3, last_message_at)
		  WHERE id = $1`,
		t.conv, delta, at,
	)
	return affected(tag, err)
}

func (t *pgTx) LockCounter(ctx context.Context) (int64, error) {
	var pos int64
	err := t.tx.QueryRow(ctx,
		`SELECT current_position FROM `+t.t.counters+` WHERE conversation_id = $1 FOR UPDATE`,
		t.conv,
	).Scan(&pos)
	return pos, pgNoRows(err)
}

func (t *pgTx) AdvanceCounter(ctx context.Context) (int64, error) {
	var pos int64
	err := t.tx.QueryRow(ctx,
		`UPDATE `+t.t.counters+`
		    SET current_position = current_position + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING current_position`,
		t.conv,
	).Scan(&pos)
	return pos, pgNoRows(err)
}

func (t *pgTx) InsertMessage(ctx context.Context, m Message) (bool, error) {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.t.messages+` (
		     id, conversation_id, client_msg_id, author_id, position, text, attachments,
		     parent_id, reply_to_id, reply_count, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, 0, $10)
		 ON CONFLICT (conversation_id, client_msg_id) DO NOTHING`,
		m.ID, t.conv, nullable(m.ClientMsgID), m.AuthorID, m.Position, m.Text, attachments,
		nullable(m.ParentID), nullable(m.ReplyToID), m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateMessage(ctx context.Context, m Message) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.messages+`
		    SET text = $3, edited_at = $4, deleted_at = $5
		  WHERE conversation_id = $1 AND id = $2`,
		t.conv, m.ID, m.Text, m.EditedAt, m.DeletedAt,
	)
	return affected(tag, err)
}

func (t *pgTx) AdjustReplyCount(ctx context.Context, parentID string, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.messages+`
		    SET reply_count = GREATEST(reply_count + $3, 0)
		  WHERE conversation_id = $1 AND id = $2`,
		t.conv, parentID, delta,
	)
	return affected(tag, err)
}

func (t *pgTx) InsertMember(ctx context.Context, m Member, startPosition int64) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.t.members+` (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		t.conv, m.UserID, string(m.Role), m.JoinedAt,
	); err != nil {
		if pgIsUniqueViolation(err) {
			return OpError{Op: "messaging.postgres.InsertMember", Kind: ErrConflict, Msg: "member already exists"}
		}
		if pgIsForeignKeyViolation(err) {
			return errNoRows
		}
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.t.reads+` (conversation_id, user_id, last_read_position, unread_count)
		 VALUES ($1, $2, $3, 0)`,
		t.conv, m.UserID, startPosition,
	)
	return err
}

func (t *pgTx) UpdateMemberRole(ctx context.Context, userID string, role Role) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.members+` SET role = $3 WHERE conversation_id = $1 AND user_id = $2`,
		t.conv, userID, string(role),
	)
	return affected(tag, err)
}

func (t *pgTx) DeleteMember(ctx context.Context, userID string) (bool, error) {
	// membership_read_state follows via ON DELETE CASCADE.
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.t.members+` WHERE conversation_id = $1 AND user_id = $2`,
		t.conv, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertDeliveryStates(ctx context.Context, m Message, states []DeliveryState) error {
	if len(states) == 0 {
		return nil
	}
	n, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{t.schema, "delivery_state"},
		[]string{"conversation_id", "message_id", "user_id", "position", "author_id", "flags"},
		pgx.CopyFromSlice(len(states), func(i int) ([]any, error) {
			s := states[i]
			return []any{t.conv, m.ID, s.UserID, m.Position, m.AuthorID, int16(s.Flags & flagsMask)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy delivery_state: %w", err)
	}
	if n != int64(len(states)) {
		return fmt.Errorf("copy delivery_state: wrote %d of %d rows", n, len(states))
	}
	return nil
}

func (t *pgTx) MergeDeliveryFlags(ctx context.Context, messageID string, userIDs []string, flags DeliveryFlags) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.delivery+`
		    SET flags = flags | $4
		  WHERE conversation_id = $1 AND message_id = $2 AND user_id = ANY($3)`,
		t.conv, messageID, userIDs, int16(flags&flagsMask),
	)
	return err
}

func (t *pgTx) MarkDeliveredRead(ctx context.Context, userID string, upto int64) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.delivery+`
		    SET flags = flags | $4
		  WHERE conversation_id = $1 AND user_id = $2 AND position <= $3
		    AND author_id <> $2 AND (flags & $4) = 0`,
		t.conv, userID, upto, int16(FlagRead),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertMentions(ctx context.Context, mentions []Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, mn := range mentions {
		batch.Queue(
			`INSERT INTO `+t.t.mentions+` (conversation_id, message_id, mentioned_user_id, mentioner_user_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, mentioned_user_id) DO NOTHING`,
			t.conv, mn.MessageID, mn.MentionedUserID, mn.MentionerUserID,
		)
	}
	br := t.tx.SendBatch(ctx, batch)
	for range mentions {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return br.Close()
}

func (t *pgTx) IncrementUnread(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.reads+`
		    SET unread_count = unread_count + 1
		  WHERE conversation_id = $1 AND user_id = ANY($2)`,
		t.conv, userIDs,
	)
	return err
}

func (t *pgTx) DecrementUnreadFor(ctx context.Context, position int64, authorID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.reads+`
		    SET unread_count = unread_count - 1
		  WHERE conversation_id = $1 AND user_id <> $2
		    AND last_read_position < $3 AND unread_count > 0`,
		t.conv, authorID, position,
	)
	return err
}

func (t *pgTx) LockReadState(ctx context.Context, userID string) (ReadState, error) {
	return t.readState(ctx, userID, true)
}

func (t *pgTx) CountUnread(ctx context.Context, userID string, after int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+t.t.messages+`
		  WHERE conversation_id = $1 AND position > $2 AND author_id <> $3 AND deleted_at IS NULL`,
		t.conv, after, userID,
	).Scan(&n)
	return n, err
}

func (t *pgTx) SaveReadState(ctx context.Context, rs ReadState) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.t.reads+`
		    SET last_read_position = $3, unread_count = $4, updated_at = now()
		  WHERE conversation_id = $1 AND user_id = $2`,
		t.conv, rs.UserID, rs.LastReadPosition, rs.UnreadCount,
	)
	return affected(tag, err)
}

// ---- helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNoRows
	}
	return nil
}

// pgClassify turns retryable Postgres failures into ErrTransient and passes
// everything else through unchanged.
func pgClassify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return transient(op, err)
		}
	}
	return err
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func encodeAttachments(a []string) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS __SCHEMA__;

CREATE TABLE IF NOT EXISTS __SCHEMA__.conversations (
  id              text PRIMARY KEY,
  tenant_id       text NOT NULL,
  kind            text NOT NULL CHECK (kind IN ('direct', 'group', 'channel')),
  message_count   bigint NOT NULL DEFAULT 0,
  last_message_at timestamptz,
  created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS __SCHEMA__.sequence_counters (
  conversation_id  text PRIMARY KEY REFERENCES __SCHEMA__.conversations(id) ON DELETE CASCADE,
  current_position bigint NOT NULL DEFAULT 0 CHECK (current_position >= 0),
  updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS __SCHEMA__.conversation_members (
  conversation_id text NOT NULL REFERENCES __SCHEMA__.conversations(id) ON DELETE CASCADE,
  user_id         text NOT NULL,
  role            text NOT NULL CHECK (role IN ('member', 'moderator', 'admin', 'owner')),
  joined_at       timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user
  ON __SCHEMA__.conversation_members (user_id);

CREATE TABLE IF NOT EXISTS __SCHEMA__.membership_read_state (
  conversation_id    text NOT NULL,
  user_id            text NOT NULL,
  last_read_position bigint NOT NULL DEFAULT 0,
  unread_count       bigint NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
  updated_at         timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (conversation_id, user_id),
  FOREIGN KEY (conversation_id, user_id)
    REFERENCES __SCHEMA__.conversation_members(conversation_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS __SCHEMA__.messages (
  id              text PRIMARY KEY,
  conversation_id text NOT NULL REFERENCES __SCHEMA__.conversations(id) ON DELETE CASCADE,
  client_msg_id   text,
  author_id       text NOT NULL,
  position        bigint NOT NULL CHECK (position > 0),
  text            text NOT NULL DEFAULT '',
  attachments     jsonb NOT NULL DEFAULT '[]'::jsonb,
  parent_id       text,
  reply_to_id     text,
  reply_count     bigint NOT NULL DEFAULT 0 CHECK (reply_count >= 0),
  created_at      timestamptz NOT NULL,
  edited_at       timestamptz,
  deleted_at      timestamptz,
  CONSTRAINT uq_messages_position UNIQUE (conversation_id, position),
  CONSTRAINT uq_messages_client_msg_id UNIQUE (conversation_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_timeline
  ON __SCHEMA__.messages (conversation_id, created_at, position);

CREATE INDEX IF NOT EXISTS idx_messages_thread
  ON __SCHEMA__.messages (conversation_id, parent_id, created_at, position)
  WHERE parent_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS __SCHEMA__.delivery_state (
  conversation_id text NOT NULL,
  message_id      text NOT NULL REFERENCES __SCHEMA__.messages(id) ON DELETE CASCADE,
  user_id         text NOT NULL,
  position        bigint NOT NULL,
  author_id       text NOT NULL,
  flags           smallint NOT NULL DEFAULT 0 CHECK (flags BETWEEN 0 AND 3),
  PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_delivery_state_member
  ON __SCHEMA__.delivery_state (conversation_id, user_id, position);

CREATE TABLE IF NOT EXISTS __SCHEMA__.mentions (
  conversation_id   text NOT NULL,
  message_id        text NOT NULL REFERENCES __SCHEMA__.messages(id) ON DELETE CASCADE,
  mentioned_user_id text NOT NULL,
  mentioner_user_id text NOT NULL,
  created_at        timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (message_id, mentioned_user_id)
);

CREATE INDEX IF NOT EXISTS idx_mentions_user
  ON __SCHEMA__.mentions (mentioned_user_id, conversation_id);
`

var _ Store = (*PostgresStore)(nil)
