package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codepad/api/internal/auth"
	"codepad/api/internal/logger"
	"codepad/api/internal/permission"
	"codepad/api/internal/search"
	"codepad/api/internal/socket"
	"codepad/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *socket.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *socket.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthBody(w, r, s.service.SignUp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthBody(w, r, s.service.SignIn)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	// WebSocket endpoint. The upgrade marks the user online; the close
	// marks them offline once the last connection drops.
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		socket.ServeWs(s.hub, w, r, session.UserID)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/online-users" {
		writeJSON(w, http.StatusOK, map[string]any{"users": s.service.OnlineUsers()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := search.Query{
			Keyword:  strings.TrimSpace(r.URL.Query().Get("q")),
			Language: strings.TrimSpace(r.URL.Query().Get("language")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			q.Limit = parsed
		}
		results, err := s.service.SearchDocuments(r.Context(), session, q)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/me/avatar" {
		s.handleAvatarUpload(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "documents":
			s.handleDocuments(w, r, session, parts[2:])
			return
		case "tasks":
			s.handleTasks(w, r, session, parts[2:])
			return
		case "comments":
			s.handleComments(w, r, session, parts[2:])
			return
		case "users":
			if len(parts) == 4 && r.Method == http.MethodGet && parts[3] == "avatar" {
				s.handleAvatarGet(w, r, parts[2])
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAuthBody(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, username, password string) (Session, error)) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := fn(r.Context(), body.Username, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
		"userId":       session.UserID,
	}
}

// Document routes: /api/documents[/{id}[/collaborators|tasks|comments|activity]]

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		docs, err := s.service.ListDocuments(r.Context(), session)
		s.respond(w, map[string]any{"documents": documentPayloads(docs)}, err)

	case len(rest) == 0 && r.Method == http.MethodPost:
		var input DocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), session, input)
		s.respondStatus(w, http.StatusCreated, documentPayload(doc), err)

	case len(rest) == 1 && r.Method == http.MethodGet:
		doc, err := s.service.GetDocument(r.Context(), session, rest[0])
		s.respond(w, documentPayload(doc), err)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var input DocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateDocument(r.Context(), session, rest[0], input)
		s.respond(w, documentPayload(doc), err)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteDocument(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"ok": true}, err)

	case len(rest) == 2 && rest[1] == "collaborators" && r.Method == http.MethodGet:
		collaborators, err := s.service.ListCollaborators(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"collaborators": collaboratorPayloads(collaborators)}, err)

	case len(rest) == 2 && rest[1] == "collaborators" && r.Method == http.MethodPost:
		var input GrantInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.GrantCollaborator(r.Context(), session, rest[0], input)
		s.respondStatus(w, http.StatusCreated, collaboratorPayload(info), err)

	case len(rest) == 3 && rest[1] == "collaborators" && r.Method == http.MethodDelete:
		err := s.service.RevokeCollaborator(r.Context(), session, rest[0], rest[2])
		s.respond(w, map[string]any{"ok": true}, err)

	case len(rest) == 2 && rest[1] == "tasks" && r.Method == http.MethodGet:
		tasks, err := s.service.ListTasks(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"tasks": taskPayloads(tasks)}, err)

	case len(rest) == 2 && rest[1] == "tasks" && r.Method == http.MethodPost:
		var input TaskInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.CreateTask(r.Context(), session, rest[0], input)
		s.respondStatus(w, http.StatusCreated, taskPayload(task), err)

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodGet:
		comments, err := s.service.ListComments(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"comments": commentPayloads(comments)}, err)

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodPost:
		var input CommentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.CreateComment(r.Context(), session, rest[0], input)
		s.respondStatus(w, http.StatusCreated, commentPayload(comment), err)

	case len(rest) == 2 && rest[1] == "activity" && r.Method == http.MethodGet:
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		entries, err := s.service.DocumentActivity(r.Context(), session, rest[0], limit)
		s.respond(w, map[string]any{"activity": activityPayloads(entries)}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// Task routes: /api/tasks/{id}[/complete]

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 2 && rest[1] == "complete" && r.Method == http.MethodPut:
		var body struct {
			Completed bool `json:"completed"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.SetTaskCompleted(r.Context(), session, rest[0], body.Completed)
		s.respond(w, taskPayload(task), err)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteTask(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"ok": true}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// Comment routes: /api/comments/{id}[/replies|like]

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 2 && rest[1] == "replies" && r.Method == http.MethodGet:
		replies, err := s.service.ListReplies(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"comments": commentPayloads(replies)}, err)

	case len(rest) == 2 && rest[1] == "like" && r.Method == http.MethodPost:
		err := s.service.LikeComment(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"ok": true}, err)

	case len(rest) == 2 && rest[1] == "like" && r.Method == http.MethodDelete:
		err := s.service.UnlikeComment(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"ok": true}, err)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteComment(r.Context(), session, rest[0])
		s.respond(w, map[string]any{"ok": true}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

const maxAvatarBytes = 2 << 20

func (s *HTTPServer) handleAvatarUpload(w http.ResponseWriter, r *http.Request, session Session) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "avatar must be an image", nil)
		return
	}
	err := s.service.UploadAvatar(r.Context(), session.UserID, r.Body, r.ContentLength, contentType)
	s.respond(w, map[string]any{"ok": true}, err)
}

func (s *HTTPServer) handleAvatarGet(w http.ResponseWriter, r *http.Request, userID string) {
	url, err := s.service.AvatarURL(r.Context(), userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if url == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No avatar", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	s.respondStatus(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) respondStatus(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

// Response shaping

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"ownerId":   doc.OwnerID,
		"title":     doc.Title,
		"content":   doc.Content,
		"language":  doc.Language,
		"tags":      doc.Tags,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
}

func documentPayloads(docs []store.Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, documentPayload(doc))
	}
	return out
}

func collaboratorPayload(info store.CollaboratorInfo) map[string]any {
	return map[string]any{
		"userId":   info.UserID,
		"username": info.Username,
		"level":    info.Level,
	}
}

func collaboratorPayloads(infos []store.CollaboratorInfo) []map[string]any {
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, collaboratorPayload(info))
	}
	return out
}

func taskPayload(task store.Task) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"documentId":  task.DocumentID,
		"title":       task.Title,
		"description": task.Description,
		"deadline":    task.Deadline,
		"assignee":    task.Assignee,
		"completed":   task.Completed,
		"createdBy":   task.CreatedBy,
		"createdAt":   task.CreatedAt,
	}
}

func taskPayloads(tasks []store.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskPayload(task))
	}
	return out
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":              comment.ID,
		"documentId":      comment.DocumentID,
		"author":          comment.Author,
		"content":         comment.Content,
		"parentCommentId": comment.ParentCommentID,
		"likedBy":         comment.LikedBy,
		"createdAt":       comment.CreatedAt,
	}
}

func commentPayloads(comments []store.Comment) []map[string]any {
	out := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		out = append(out, commentPayload(comment))
	}
	return out
}

func activityPayloads(entries []store.ActionLog) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"username":  entry.Username,
			"action":    entry.Action,
			"details":   entry.Details,
			"createdAt": entry.CreatedAt,
		})
	}
	return out
}

// Session and middleware plumbing

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		// WebSocket clients cannot set headers from the browser; allow the
		// token as a query parameter on the upgrade request.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Sugar.Infow("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection through the
// logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, permission.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, permission.ErrForbidden) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, permission.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
