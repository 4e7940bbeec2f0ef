// Package permission implements role-based access control over
// (document, user) pairs. Levels order Owner > Editor > Viewer.
package permission

import "errors"

type Level string

const (
	Owner  Level = "owner"
	Editor Level = "editor"
	Viewer Level = "viewer"
)

var (
	ErrForbidden = errors.New("permission denied")
	ErrConflict  = errors.New("collaborator already exists")
	ErrNotFound  = errors.New("not found")
)

var rank = map[Level]int{Viewer: 1, Editor: 2, Owner: 3}

// Valid reports whether l is one of the three known levels.
func Valid(l Level) bool {
	_, ok := rank[l]
	return ok
}

// Normalize maps an arbitrary string onto a known level, defaulting to
// Viewer.
func Normalize(s string) Level {
	switch Level(s) {
	case Owner, Editor, Viewer:
		return Level(s)
	default:
		return Viewer
	}
}

// AtLeast reports whether l grants at minimum the rights of min.
func AtLeast(l, min Level) bool {
	return rank[l] >= rank[min]
}
