package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505"}
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("usr-1", "alice", "hash", "tok").
		WillReturnError(uniqueViolation())

	err := s.CreateUser(context.Background(), User{ID: "usr-1", Username: "alice", PasswordHash: "hash", InviteToken: "tok"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateUser() error = %v, want ErrDuplicate", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDocumentIsOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("doc-1", "usr-1", "Title", "body", "go", "a,b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO document_collaborators`).
		WithArgs("doc-1", "usr-1", "owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_outbox`).
		WithArgs(OutboxSearchUpsert, "doc-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	doc := Document{ID: "doc-1", OwnerID: "usr-1", Title: "Title", Content: "body", Language: "go", Tags: []string{"a", "b"}}
	if err := s.CreateDocument(context.Background(), doc, "owner"); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDocumentRollsBackOnOutboxFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO document_collaborators`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_outbox`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	doc := Document{ID: "doc-1", OwnerID: "usr-1", Title: "Title"}
	if err := s.CreateDocument(context.Background(), doc, "owner"); err == nil {
		t.Fatal("expected CreateDocument() to fail when outbox insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateDocumentMissingRowIsNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.UpdateDocument(context.Background(), Document{ID: "doc-missing"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("UpdateDocument() error = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteDocumentWritesOutboxBeforeRows(t *testing.T) {
	s, mock := newMockStore(t)

	// Ordered expectations: the delete outbox row must land before the
	// document row disappears.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_outbox`).
		WithArgs(OutboxSearchDelete, "doc-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM comment_likes`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM comments`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM tasks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM document_collaborators`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM documents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteDocument(context.Background(), "doc-1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteMissingDocumentIsNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_outbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM comment_likes`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM comments`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM tasks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM document_collaborators`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM documents`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeleteDocument(context.Background(), "doc-missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("DeleteDocument() error = %v, want sql.ErrNoRows", err)
	}
}

func TestInsertCollaboratorDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO document_collaborators`).
		WithArgs("doc-1", "usr-2", "editor").
		WillReturnError(uniqueViolation())

	err := s.InsertCollaborator(context.Background(), Collaborator{DocumentID: "doc-1", UserID: "usr-2", Level: "editor"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("InsertCollaborator() error = %v, want ErrDuplicate", err)
	}
}

func TestAddCommentLikeDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO comment_likes`).
		WithArgs("cmt-1", "alice").
		WillReturnError(uniqueViolation())

	err := s.AddCommentLike(context.Background(), "cmt-1", "alice")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("AddCommentLike() error = %v, want ErrDuplicate", err)
	}
}

func TestRemoveAbsentCommentLikeIsNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM comment_likes`).
		WithArgs("cmt-1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RemoveCommentLike(context.Background(), "cmt-1", "alice")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("RemoveCommentLike() error = %v, want sql.ErrNoRows", err)
	}
}

func TestListPendingOutboxOrdersByID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "kind", "document_id", "status", "attempts", "last_error", "created_at"}).
		AddRow(int64(1), OutboxSearchUpsert, "doc-1", OutboxPending, 0, nil, now).
		AddRow(int64(2), OutboxSearchDelete, "doc-1", OutboxPending, 1, "index down", now)

	mock.ExpectQuery(`SELECT id, kind, document_id, status, attempts, last_error, created_at`).
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := s.ListPendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingOutbox() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 1 || entries[1].ID != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].LastError != "index down" {
		t.Fatalf("last error = %q", entries[1].LastError)
	}
}

func TestTagsRoundTrip(t *testing.T) {
	cases := []struct {
		tags []string
		text string
	}{
		{nil, ""},
		{[]string{"go"}, "go"},
		{[]string{"go", "api"}, "go,api"},
	}
	for _, tc := range cases {
		if got := joinTags(tc.tags); got != tc.text {
			t.Errorf("joinTags(%v) = %q, want %q", tc.tags, got, tc.text)
		}
		split := splitTags(tc.text)
		if len(split) != len(tc.tags) {
			t.Errorf("splitTags(%q) = %v, want %v", tc.text, split, tc.tags)
		}
	}
}
