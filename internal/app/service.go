package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"codepad/api/internal/audit"
	"codepad/api/internal/auth"
	"codepad/api/internal/authpw"
	"codepad/api/internal/blob"
	"codepad/api/internal/config"
	"codepad/api/internal/email"
	"codepad/api/internal/event"
	"codepad/api/internal/logger"
	"codepad/api/internal/permission"
	"codepad/api/internal/presence"
	"codepad/api/internal/search"
	"codepad/api/internal/session"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByInviteToken(ctx context.Context, token string) (store.User, error)
	UpdateUserAvatar(ctx context.Context, userID, avatarKey string) error

	GetDocument(ctx context.Context, id string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
	CreateDocument(ctx context.Context, doc store.Document, ownerLevel string) error
	UpdateDocument(ctx context.Context, doc store.Document) error
	DeleteDocument(ctx context.Context, id string) error

	InsertTask(ctx context.Context, task store.Task) error
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListTasksByDocument(ctx context.Context, documentID string) ([]store.Task, error)
	UpdateTaskCompleted(ctx context.Context, id string, completed bool) error
	DeleteTask(ctx context.Context, id string) error

	InsertComment(ctx context.Context, c store.Comment) error
	GetComment(ctx context.Context, id string) (store.Comment, error)
	ListCommentsByDocument(ctx context.Context, documentID string) ([]store.Comment, error)
	ListReplies(ctx context.Context, parentCommentID string) ([]store.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	AddCommentLike(ctx context.Context, commentID, username string) error
	RemoveCommentLike(ctx context.Context, commentID, username string) error

	ListActionLogByDocument(ctx context.Context, documentID string, limit int) ([]store.ActionLog, error)
}

// eventPublisher is the bus producer. Nil when the broker is unreachable at
// startup; mutations still commit, notifications are skipped.
type eventPublisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	permissions *permission.Engine
	presence    presence.Registry
	producer    eventPublisher
	searcher    search.Searcher
	syncer      *search.Sync
	sessions    *session.RedisStore
	authpw      *authpw.Service
	mailer      *email.Service
	avatars     *blob.Store
	audit       audit.Sink
}

type Deps struct {
	Store       dataStore
	Permissions *permission.Engine
	Presence    presence.Registry
	Producer    eventPublisher
	Searcher    search.Searcher
	Syncer      *search.Sync
	Sessions    *session.RedisStore
	Auth        *authpw.Service
	Mailer      *email.Service
	Avatars     *blob.Store
	Audit       audit.Sink
}

func New(cfg config.Config, deps Deps) *Service {
	sink := deps.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		permissions: deps.Permissions,
		presence:    deps.Presence,
		producer:    deps.Producer,
		searcher:    deps.Searcher,
		syncer:      deps.Syncer,
		sessions:    deps.Sessions,
		authpw:      deps.Auth,
		mailer:      deps.Mailer,
		avatars:     deps.Avatars,
		audit:       sink,
	}
}

// Bootstrap verifies the primary store and rebuilds the search index so the
// projection catches up with anything written while the service was down.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if s.syncer != nil {
		if err := s.syncer.SyncAll(ctx); err != nil {
			logger.Sugar.Warnw("initial index rebuild failed, outbox will catch up", "error", err)
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish hands the event to the broker. Notification delivery is best
// effort relative to the committed mutation; a broker outage is logged and
// the mutation stands.
func (s *Service) publish(ctx context.Context, ev event.Event) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, ev); err != nil {
		logger.Sugar.Warnw("event publish failed", "type", ev.Type, "action", ev.Action, "error", err)
	}
}

// OnlineUsers returns the current presence snapshot.
func (s *Service) OnlineUsers() []string {
	return s.presence.Snapshot()
}

// Auth and session lifecycle

func (s *Service) SignUp(ctx context.Context, username, password string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{Username: username, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrUsernameTaken) {
			return Session{}, domainError(409, "USERNAME_EXISTS", "Username already registered", nil)
		}
		return Session{}, domainError(422, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, username, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, username, password)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Invalid username or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := util.NewID("")
	if s.sessions != nil {
		refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
		if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, user.Username, refreshExpiry); err != nil {
			logger.Sugar.Warnw("save refresh session failed", "user", user.ID, "error", err)
			refreshToken = ""
		}
	} else {
		refreshToken = ""
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.sessions == nil {
		return Session{}, domainError(503, "SESSIONS_UNAVAILABLE", "Session store unavailable", nil)
	}
	hash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Refresh token invalid", nil)
	}

	// Rotate: the presented token is single use.
	_ = s.sessions.RevokeRefreshSession(ctx, hash)

	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) {
	if s.sessions == nil || refreshToken == "" {
		return
	}
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		logger.Sugar.Debugw("revoke refresh session", "error", err)
	}
}

// Avatars

func (s *Service) UploadAvatar(ctx context.Context, userID string, r io.Reader, size int64, contentType string) error {
	if !s.avatars.Enabled() {
		return domainError(503, "AVATARS_UNAVAILABLE", "Avatar storage not configured", nil)
	}
	key, err := s.avatars.PutAvatar(ctx, userID, r, size, contentType)
	if err != nil {
		return fmt.Errorf("store avatar: %w", err)
	}
	if err := s.store.UpdateUserAvatar(ctx, userID, key); err != nil {
		return fmt.Errorf("save avatar key: %w", err)
	}
	return nil
}

func (s *Service) AvatarURL(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.AvatarKey == "" {
		return "", nil
	}
	return s.avatars.AvatarURL(ctx, user.AvatarKey)
}
