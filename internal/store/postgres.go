package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint
// (duplicate collaborator, duplicate like, taken username).
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	return strings.Split(tags, ",")
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, invite_token)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.InviteToken)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	var avatar sql.NullString
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.InviteToken, &avatar, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	user.AvatarKey = avatar.String
	return user, nil
}

const userColumns = `id, username, password_hash, invite_token, avatar_key, created_at`

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) GetUserByInviteToken(ctx context.Context, token string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE invite_token=$1`, token))
}

func (s *PostgresStore) UpdateUserAvatar(ctx context.Context, userID, avatarKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET avatar_key=$2 WHERE id=$1`, userID, avatarKey)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return nil
}

// ---- documents ----

const documentColumns = `id, owner_id, title, content, language, tags, created_at, updated_at`

func scanDocument(scan func(dest ...any) error) (Document, error) {
	var doc Document
	var tags string
	err := scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.Language, &tags, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	doc.Tags = splitTags(tags)
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	return scanDocument(row.Scan)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListDocumentsForUser returns documents the user owns or explicitly
// collaborates on.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE owner_id = $1
		   OR id IN (SELECT document_id FROM document_collaborators WHERE user_id = $1)
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents for user: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateDocument inserts the document, its Owner permission record, and the
// search outbox row in one transaction: either everything is durable or
// nothing is.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, ownerLevel string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, content, language, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.OwnerID, doc.Title, doc.Content, doc.Language, joinTags(doc.Tags)); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, level)
		VALUES ($1, $2, $3)
	`, doc.ID, doc.OwnerID, ownerLevel); err != nil {
		return fmt.Errorf("insert owner record: %w", err)
	}

	if err := insertOutbox(ctx, tx, OutboxSearchUpsert, doc.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateDocument overwrites title/content/language/tags (last-write-wins) and
// records the search outbox row in the same transaction.
func (s *PostgresStore) UpdateDocument(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET title=$2, content=$3, language=$4, tags=$5, updated_at=NOW()
		WHERE id=$1
	`, doc.ID, doc.Title, doc.Content, doc.Language, joinTags(doc.Tags))
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}

	if err := insertOutbox(ctx, tx, OutboxSearchUpsert, doc.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDocument removes the document and its dependents. The search-delete
// outbox row is written first, inside the same transaction, so the projection
// removal survives even though the primary row is gone afterwards.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertOutbox(ctx, tx, OutboxSearchDelete, id); err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM comment_likes WHERE comment_id IN (SELECT id FROM comments WHERE document_id=$1)`,
		`DELETE FROM comments WHERE document_id=$1`,
		`DELETE FROM tasks WHERE document_id=$1`,
		`DELETE FROM document_collaborators WHERE document_id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete document dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// ---- collaborators ----

func (s *PostgresStore) InsertCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, level)
		VALUES ($1, $2, $3)
	`, c.DocumentID, c.UserID, c.Level)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

// DeleteCollaborator is a no-op when no record exists.
func (s *PostgresStore) DeleteCollaborator(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM document_collaborators WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaboratorLevel(ctx context.Context, documentID, userID string) (string, error) {
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT level FROM document_collaborators WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&level)
	if err != nil {
		return "", err
	}
	return level, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]CollaboratorInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.user_id, u.username, c.level
		FROM document_collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id = $1
		ORDER BY c.created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var infos []CollaboratorInfo
	for rows.Next() {
		var info CollaboratorInfo
		if err := rows.Scan(&info.UserID, &info.Username, &info.Level); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ---- tasks ----

const taskColumns = `id, document_id, title, description, deadline, assignee, completed, created_by, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (Task, error) {
	var task Task
	var deadline sql.NullTime
	err := scan(&task.ID, &task.DocumentID, &task.Title, &task.Description, &deadline,
		&task.Assignee, &task.Completed, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	if deadline.Valid {
		task.Deadline = &deadline.Time
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, document_id, title, description, deadline, assignee, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.DocumentID, task.Title, task.Description, task.Deadline, task.Assignee, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	return scanTask(row.Scan)
}

func (s *PostgresStore) ListTasksByDocument(ctx context.Context, documentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE document_id=$1 ORDER BY created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTaskCompleted(ctx context.Context, id string, completed bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed=$2, updated_at=NOW() WHERE id=$1
	`, id, completed)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author, content, parent_comment_id)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.DocumentID, c.Author, c.Content, c.ParentCommentID)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	var c Comment
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, author, content, parent_comment_id, created_at
		FROM comments WHERE id=$1
	`, id).Scan(&c.ID, &c.DocumentID, &c.Author, &c.Content, &parent, &c.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	if parent.Valid {
		c.ParentCommentID = &parent.String
	}
	likes, err := s.listCommentLikes(ctx, id)
	if err != nil {
		return Comment{}, err
	}
	c.LikedBy = likes
	return c, nil
}

func (s *PostgresStore) listCommentLikes(ctx context.Context, commentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username FROM comment_likes WHERE comment_id=$1 ORDER BY created_at
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment likes: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan like: %w", err)
		}
		users = append(users, username)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListCommentsByDocument(ctx context.Context, documentID string) ([]Comment, error) {
	return s.listComments(ctx, `
		SELECT id, document_id, author, content, parent_comment_id, created_at
		FROM comments WHERE document_id=$1 ORDER BY created_at
	`, documentID)
}

func (s *PostgresStore) ListReplies(ctx context.Context, parentCommentID string) ([]Comment, error) {
	return s.listComments(ctx, `
		SELECT id, document_id, author, content, parent_comment_id, created_at
		FROM comments WHERE parent_comment_id=$1 ORDER BY created_at
	`, parentCommentID)
}

func (s *PostgresStore) listComments(ctx context.Context, query string, arg any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var parent sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Author, &c.Content, &parent, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if parent.Valid {
			c.ParentCommentID = &parent.String
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range comments {
		likes, err := s.listCommentLikes(ctx, comments[i].ID)
		if err != nil {
			return nil, err
		}
		comments[i].LikedBy = likes
	}
	return comments, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_likes WHERE comment_id=$1`, id); err != nil {
		return fmt.Errorf("delete comment likes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// AddCommentLike returns ErrDuplicate when the user already liked the
// comment. Concurrent likes serialize on the primary key, so no
// application-level locking is needed.
func (s *PostgresStore) AddCommentLike(ctx context.Context, commentID, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_likes (comment_id, username) VALUES ($1, $2)
	`, commentID, username)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert like: %w", err)
	}
	return nil
}

// RemoveCommentLike returns sql.ErrNoRows when there was no like to remove.
func (s *PostgresStore) RemoveCommentLike(ctx context.Context, commentID, username string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_likes WHERE comment_id=$1 AND username=$2
	`, commentID, username)
	if err != nil {
		return fmt.Errorf("delete like: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- action log ----

func (s *PostgresStore) InsertActionLog(ctx context.Context, entry ActionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_logs (username, action, details, document_id)
		VALUES ($1, $2, $3, $4)
	`, entry.Username, entry.Action, entry.Details, entry.DocumentID)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActionLogByDocument(ctx context.Context, documentID string, limit int) ([]ActionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, action, details, document_id, created_at
		FROM action_logs WHERE document_id=$1 ORDER BY created_at DESC LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var entries []ActionLog
	for rows.Next() {
		var entry ActionLog
		if err := rows.Scan(&entry.ID, &entry.Username, &entry.Action, &entry.Details, &entry.DocumentID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ---- outbox ----

func insertOutbox(ctx context.Context, tx *sql.Tx, kind, documentID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_outbox (kind, document_id, status)
		VALUES ($1, $2, 'pending')
	`, kind, documentID); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, document_id, status, attempts, last_error, created_at
		FROM search_outbox WHERE status='pending' ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var lastErr sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.DocumentID, &entry.Status, &entry.Attempts, &lastErr, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entry.LastError = lastErr.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE search_outbox SET status='done' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox done: %w", err)
	}
	return nil
}

// MarkOutboxFailed leaves the row pending so the worker retries it.
func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE search_outbox SET attempts=attempts+1, last_error=$2 WHERE id=$1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
