package permission

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"codepad/api/internal/store"
)

type fakeCollaboratorStore struct {
	records map[string]string // "docID/userID" -> level
}

func newFakeCollaboratorStore() *fakeCollaboratorStore {
	return &fakeCollaboratorStore{records: make(map[string]string)}
}

func (f *fakeCollaboratorStore) key(documentID, userID string) string {
	return documentID + "/" + userID
}

func (f *fakeCollaboratorStore) InsertCollaborator(_ context.Context, c store.Collaborator) error {
	k := f.key(c.DocumentID, c.UserID)
	if _, exists := f.records[k]; exists {
		return store.ErrDuplicate
	}
	f.records[k] = c.Level
	return nil
}

func (f *fakeCollaboratorStore) DeleteCollaborator(_ context.Context, documentID, userID string) error {
	delete(f.records, f.key(documentID, userID))
	return nil
}

func (f *fakeCollaboratorStore) GetCollaboratorLevel(_ context.Context, documentID, userID string) (string, error) {
	level, ok := f.records[f.key(documentID, userID)]
	if !ok {
		return "", sql.ErrNoRows
	}
	return level, nil
}

func (f *fakeCollaboratorStore) ListCollaborators(_ context.Context, documentID string) ([]store.CollaboratorInfo, error) {
	var out []store.CollaboratorInfo
	for k, level := range f.records {
		if len(k) > len(documentID) && k[:len(documentID)] == documentID {
			out = append(out, store.CollaboratorInfo{UserID: k[len(documentID)+1:], Level: level})
		}
	}
	return out, nil
}

func testDoc() store.Document {
	return store.Document{ID: "doc-1", OwnerID: "owner"}
}

func TestInitializeIsIdempotent(t *testing.T) {
	fake := newFakeCollaboratorStore()
	engine := NewEngine(fake, true)
	ctx := context.Background()

	if err := engine.Initialize(ctx, testDoc()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := engine.Initialize(ctx, testDoc()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}

	level, err := engine.LevelOf(ctx, testDoc(), "owner")
	if err != nil {
		t.Fatalf("LevelOf() error = %v", err)
	}
	if level != Owner {
		t.Fatalf("owner level = %v, want %v", level, Owner)
	}
}

func TestOwnerIsAlwaysOwner(t *testing.T) {
	// Even without any record, the document owner resolves to Owner.
	engine := NewEngine(newFakeCollaboratorStore(), false)
	level, err := engine.LevelOf(context.Background(), testDoc(), "owner")
	if err != nil {
		t.Fatalf("LevelOf() error = %v", err)
	}
	if level != Owner {
		t.Fatalf("level = %v, want %v", level, Owner)
	}
}

func TestGrantRequiresOwner(t *testing.T) {
	fake := newFakeCollaboratorStore()
	engine := NewEngine(fake, true)
	ctx := context.Background()

	if err := engine.Grant(ctx, testDoc(), "owner", "eve", Editor); err != nil {
		t.Fatalf("owner Grant() error = %v", err)
	}

	err := engine.Grant(ctx, testDoc(), "eve", "mallory", Editor)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("editor Grant() error = %v, want ErrForbidden", err)
	}
}

func TestGrantDuplicateIsConflict(t *testing.T) {
	engine := NewEngine(newFakeCollaboratorStore(), true)
	ctx := context.Background()

	if err := engine.Grant(ctx, testDoc(), "owner", "eve", Editor); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	err := engine.Grant(ctx, testDoc(), "owner", "eve", Viewer)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Grant() error = %v, want ErrConflict", err)
	}
}

func TestGrantRejectsUnknownLevel(t *testing.T) {
	engine := NewEngine(newFakeCollaboratorStore(), true)
	if err := engine.Grant(context.Background(), testDoc(), "owner", "eve", Level("admin")); err == nil {
		t.Fatal("expected Grant() to reject unknown level")
	}
}

func TestRevokeAbsentIsNoOp(t *testing.T) {
	engine := NewEngine(newFakeCollaboratorStore(), true)
	if err := engine.Revoke(context.Background(), testDoc(), "owner", "ghost"); err != nil {
		t.Fatalf("Revoke() of absent user error = %v", err)
	}
}

func TestRevokeRequiresOwner(t *testing.T) {
	fake := newFakeCollaboratorStore()
	engine := NewEngine(fake, true)
	ctx := context.Background()

	if err := engine.Grant(ctx, testDoc(), "owner", "eve", Editor); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	err := engine.Revoke(ctx, testDoc(), "eve", "eve")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Revoke() by editor error = %v, want ErrForbidden", err)
	}
}

func TestDefaultViewerPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled treats strangers as viewers", func(t *testing.T) {
		engine := NewEngine(newFakeCollaboratorStore(), true)
		level, err := engine.LevelOf(ctx, testDoc(), "stranger")
		if err != nil {
			t.Fatalf("LevelOf() error = %v", err)
		}
		if level != Viewer {
			t.Fatalf("level = %v, want %v", level, Viewer)
		}
		canView, err := engine.CanView(ctx, testDoc(), "stranger")
		if err != nil || !canView {
			t.Fatalf("CanView() = %v, %v, want true", canView, err)
		}
		canEdit, err := engine.CanEdit(ctx, testDoc(), "stranger")
		if err != nil || canEdit {
			t.Fatalf("CanEdit() = %v, %v, want false", canEdit, err)
		}
	})

	t.Run("disabled denies strangers", func(t *testing.T) {
		engine := NewEngine(newFakeCollaboratorStore(), false)
		_, err := engine.LevelOf(ctx, testDoc(), "stranger")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("LevelOf() error = %v, want ErrNotFound", err)
		}
		canView, err := engine.CanView(ctx, testDoc(), "stranger")
		if err != nil || canView {
			t.Fatalf("CanView() = %v, %v, want false", canView, err)
		}
	})
}

func TestLevelRanking(t *testing.T) {
	cases := []struct {
		level Level
		floor Level
		want  bool
	}{
		{Owner, Viewer, true},
		{Owner, Editor, true},
		{Owner, Owner, true},
		{Editor, Editor, true},
		{Editor, Owner, false},
		{Viewer, Editor, false},
		{Viewer, Viewer, true},
	}
	for _, tc := range cases {
		if got := AtLeast(tc.level, tc.floor); got != tc.want {
			t.Errorf("AtLeast(%v, %v) = %v, want %v", tc.level, tc.floor, got, tc.want)
		}
	}
}

func TestCanEditAfterGrantAndRevoke(t *testing.T) {
	engine := NewEngine(newFakeCollaboratorStore(), true)
	ctx := context.Background()
	doc := testDoc()

	if err := engine.Grant(ctx, doc, "owner", "eve", Editor); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	canEdit, err := engine.CanEdit(ctx, doc, "eve")
	if err != nil || !canEdit {
		t.Fatalf("CanEdit() after grant = %v, %v, want true", canEdit, err)
	}

	if err := engine.Revoke(ctx, doc, "owner", "eve"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	canEdit, err = engine.CanEdit(ctx, doc, "eve")
	if err != nil || canEdit {
		t.Fatalf("CanEdit() after revoke = %v, %v, want false", canEdit, err)
	}
}
