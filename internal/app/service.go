package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskhub/api/internal/auth"
	"taskhub/api/internal/authpw"
	"taskhub/api/internal/config"
	"taskhub/api/internal/email"
	"taskhub/api/internal/occ"
	"taskhub/api/internal/rbac"
	"taskhub/api/internal/search"
	"taskhub/api/internal/store"
	"taskhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	AvatarURL    string
	JTI          string
	ExpiresAt    time.Time
}

var allowedItemStatuses = map[string]struct{}{
	"ACTIVE":   {},
	"ARCHIVED": {},
}

var allowedTaskStatuses = map[string]struct{}{
	"TODO":        {},
	"IN_PROGRESS": {},
	"DONE":        {},
}

// dataStore is the persistence surface the service needs. PostgresStore
// satisfies it in production; tests swap in a fake.
type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListWorkspaces(context.Context) ([]store.Workspace, error)
	InsertWorkspace(context.Context, store.Workspace) error
	UpdateWorkspace(context.Context, store.Workspace, int64) (int64, error)
	DeleteWorkspace(context.Context, string, int64) error

	GetItem(context.Context, string) (store.Item, error)
	ListItems(context.Context, string) ([]store.Item, error)
	InsertItem(context.Context, store.Item) error
	UpdateItem(context.Context, store.Item, int64) (int64, error)
	DeleteItem(context.Context, string, int64) error

	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context, string) ([]store.Task, error)
	InsertTask(context.Context, store.Task) error
	UpdateTask(context.Context, store.Task, int64) (int64, error)
	DeleteTask(context.Context, string, int64) error

	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	UpdateComment(context.Context, store.Comment, int64) (int64, error)
	DeleteComment(context.Context, string, int64) error

	GetWorkspaceRole(context.Context, string, string) (string, error)
	UpsertWorkspaceRole(context.Context, string, string, string) error
	ListWorkspaceMembers(context.Context, string) ([]store.User, error)

	Ping(ctx context.Context) error
}

// refreshSessionStore holds refresh tokens. The primary store satisfies it;
// a Redis store replaces it when configured.
type refreshSessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// snapshotStore reads fresh entity state for conflict envelopes.
type snapshotStore struct {
	store dataStore
}

func (s snapshotStore) Snapshot(ctx context.Context, id occ.Identity) (*occ.Latest, error) {
	switch id.Kind {
	case occ.KindWorkspace:
		w, err := s.store.GetWorkspace(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		return &occ.Latest{Workspace: &w}, nil
	case occ.KindItem:
		it, err := s.store.GetItem(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		return &occ.Latest{Item: &it}, nil
	case occ.KindTask:
		task, err := s.store.GetTask(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		return &occ.Latest{Task: &task}, nil
	case occ.KindComment:
		c, err := s.store.GetComment(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		return &occ.Latest{Comment: &c}, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown kind %q", id.Kind)
	}
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessionStore
	authpw   *authpw.Service
	email    *email.Service
	search   *search.Service
	gate     *occ.Gate
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, searchService)
}

// NewWithSessionStore uses a dedicated refresh session backend (Redis)
// instead of the primary store.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshSessionStore, searchService *search.Service) *Service {
	return newService(cfg, dataStore, sessions, searchService)
}

func newService(cfg config.Config, ds dataStore, sessions refreshSessionStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    ds,
		sessions: sessions,
		search:   searchService,
		gate:     occ.NewGate(snapshotStore{store: ds}),
	}
}

// SetAuthPassword wires the email/password auth service.
func (s *Service) SetAuthPassword(svc *authpw.Service) {
	s.authpw = svc
}

// SetEmail wires the outbound email service.
func (s *Service) SetEmail(svc *email.Service) {
	s.email = svc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) EmailService() *email.Service {
	return s.email
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

// CreateSession issues an access/refresh token pair for a user id.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. The user record is always re-read from the primary store so
// role changes and deactivation take effect on the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Role:   user.Role,
		Avatar: user.AvatarURL,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.RandomToken(32)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		AvatarURL:    user.AvatarURL,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		AvatarURL: user.AvatarURL,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- authorization ---

// workspaceRole resolves the caller's effective role in a workspace.
// Global admins act as workspace admins everywhere.
func (s *Service) workspaceRole(ctx context.Context, workspaceID string, session Session) (rbac.Role, error) {
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return rbac.RoleAdmin, nil
	}
	role, err := s.store.GetWorkspaceRole(ctx, workspaceID, session.UserID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", nil
	}
	return rbac.Normalize(role), nil
}

func (s *Service) requireWorkspaceAction(ctx context.Context, workspaceID string, session Session, action rbac.Action) error {
	role, err := s.workspaceRole(ctx, workspaceID, session)
	if err != nil {
		return err
	}
	if role == "" || !rbac.Can(role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// --- workspaces ---

// ListWorkspaces returns the workspaces the caller can see: all of them for
// global admins, member workspaces for everyone else.
func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	admin := rbac.Normalize(session.Role) == rbac.RoleAdmin
	items := make([]map[string]any, 0, len(workspaces))
	for _, w := range workspaces {
		if !admin {
			role, err := s.store.GetWorkspaceRole(ctx, w.ID, session.UserID)
			if err != nil {
				return nil, err
			}
			if role == "" {
				continue
			}
		}
		items = append(items, workspaceJSON(w))
	}
	return items, nil
}

func (s *Service) GetWorkspace(ctx context.Context, workspaceID string, session Session) (map[string]any, error) {
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(w), nil
}

func (s *Service) CreateWorkspace(ctx context.Context, name, settings string, session Session) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if settings == "" {
		settings = "{}"
	}

	w := store.Workspace{
		ID:       util.NewID("ws"),
		Name:     name,
		Slug:     slugify(name),
		Settings: settings,
		Version:  1,
	}
	if err := s.store.InsertWorkspace(ctx, w); err != nil {
		return nil, err
	}
	// The creator administers their own workspace.
	if err := s.store.UpsertWorkspaceRole(ctx, w.ID, session.UserID, string(rbac.RoleAdmin)); err != nil {
		return nil, err
	}
	return workspaceJSON(w), nil
}

func (s *Service) UpdateWorkspace(ctx context.Context, workspaceID string, name, settings *string, expectedVersion int64, session Session) (map[string]any, error) {
	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionManage); err != nil {
		return nil, err
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be empty", nil)
		}
		w.Name = trimmed
		w.Slug = slugify(trimmed)
	}
	if settings != nil {
		w.Settings = *settings
	}

	newVersion, err := s.gate.Apply(ctx, occ.Identity{Kind: occ.KindWorkspace, ID: workspaceID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return s.store.UpdateWorkspace(ctx, w, expectedVersion)
		})
	if err != nil {
		return nil, err
	}
	w.Version = newVersion
	return workspaceJSON(w), nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string, expectedVersion int64, session Session) error {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionManage); err != nil {
		return err
	}

	_, err := s.gate.Apply(ctx, occ.Identity{Kind: occ.KindWorkspace, ID: workspaceID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return 0, s.store.DeleteWorkspace(ctx, workspaceID, expectedVersion)
		})
	return err
}

// --- members ---

func (s *Service) ListWorkspaceMembers(ctx context.Context, workspaceID string, session Session) ([]map[string]any, error) {
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"userId":      m.ID,
			"displayName": m.DisplayName,
			"email":       m.Email,
			"avatarUrl":   m.AvatarURL,
			"role":        m.Role,
		})
	}
	return items, nil
}

func (s *Service) SetWorkspaceMemberRole(ctx context.Context, workspaceID, userID, role string, session Session) error {
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionManage); err != nil {
		return err
	}
	normalized := rbac.Normalize(role)
	if string(normalized) != role {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of viewer, commenter, editor, admin", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return s.store.UpsertWorkspaceRole(ctx, workspaceID, userID, string(normalized))
}

// --- items ---

func (s *Service) ListItems(ctx context.Context, workspaceID string, session Session) ([]map[string]any, error) {
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, it := range items {
		payload = append(payload, itemJSON(it))
	}
	return payload, nil
}

type CreateItemInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	SortOrder   int    `json:"sortOrder"`
}

func (s *Service) CreateItem(ctx context.Context, workspaceID string, in CreateItemInput, session Session) (map[string]any, error) {
	if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	it := store.Item{
		ID:          util.NewID("item"),
		WorkspaceID: workspaceID,
		Title:       title,
		Description: in.Description,
		Status:      "ACTIVE",
		SortOrder:   in.SortOrder,
		Version:     1,
	}
	if err := s.store.InsertItem(ctx, it); err != nil {
		return nil, err
	}
	s.indexItem(it)
	return itemJSON(it), nil
}

type UpdateItemInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	SortOrder   *int    `json:"sortOrder"`
}

func (s *Service) UpdateItem(ctx context.Context, itemID string, in UpdateItemInput, expectedVersion int64, session Session) (map[string]any, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, it.WorkspaceID, session, rbac.ActionWrite); err != nil {
		return nil, err
	}

	if in.Title != nil {
		trimmed := strings.TrimSpace(*in.Title)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not be empty", nil)
		}
		it.Title = trimmed
	}
	if in.Description != nil {
		it.Description = *in.Description
	}
	if in.Status != nil {
		if _, ok := allowedItemStatuses[*in.Status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid item status", nil)
		}
		it.Status = *in.Status
	}
	if in.SortOrder != nil {
		it.SortOrder = *in.SortOrder
	}

	newVersion, err := s.gate.Apply(ctx, occ.Identity{Kind: occ.KindItem, ID: itemID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return s.store.UpdateItem(ctx, it, expectedVersion)
		})
	if err != nil {
		return nil, err
	}
	it.Version = newVersion
	s.indexItem(it)
	return itemJSON(it), nil
}

func (s *Service) DeleteItem(ctx context.Context, itemID string, expectedVersion int64, session Session) error {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.requireWorkspaceAction(ctx, it.WorkspaceID, session, rbac.ActionWrite); err != nil {
		return err
	}

	_, err = s.gate.Apply(ctx, occ.Identity{Kind: occ.KindItem, ID: itemID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return 0, s.store.DeleteItem(ctx, itemID, expectedVersion)
		})
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteItem(itemID)
	}
	return nil
}

// --- tasks ---

func (s *Service) ListTasks(ctx context.Context, itemID string, session Session) ([]map[string]any, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, it.WorkspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, itemID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		payload = append(payload, taskJSON(task))
	}
	return payload, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string, session Session) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, task.WorkspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return taskJSON(task), nil
}

type CreateTaskInput struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	AssigneeID *string    `json:"assigneeId"`
	DueAt      *time.Time `json:"dueAt"`
}

func (s *Service) CreateTask(ctx context.Context, itemID string, in CreateTaskInput, session Session) (map[string]any, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, it.WorkspaceID, session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	task := store.Task{
		ID:          util.NewID("task"),
		ItemID:      itemID,
		WorkspaceID: it.WorkspaceID,
		Title:       title,
		Body:        in.Body,
		Status:      "TODO",
		AssigneeID:  in.AssigneeID,
		DueAt:       in.DueAt,
		Version:     1,
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.indexTask(task)
	return taskJSON(task), nil
}

type UpdateTaskInput struct {
	Title      *string    `json:"title"`
	Body       *string    `json:"body"`
	Status     *string    `json:"status"`
	AssigneeID *string    `json:"assigneeId"`
	DueAt      *time.Time `json:"dueAt"`
	ClearDue   bool       `json:"clearDue"`
}

func (s *Service) UpdateTask(ctx context.Context, taskID string, in UpdateTaskInput, expectedVersion int64, session Session) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, task.WorkspaceID, session, rbac.ActionWrite); err != nil {
		return nil, err
	}

	if in.Title != nil {
		trimmed := strings.TrimSpace(*in.Title)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not be empty", nil)
		}
		task.Title = trimmed
	}
	if in.Body != nil {
		task.Body = *in.Body
	}
	if in.Status != nil {
		if _, ok := allowedTaskStatuses[*in.Status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid task status", nil)
		}
		task.Status = *in.Status
	}
	if in.AssigneeID != nil {
		task.AssigneeID = in.AssigneeID
	}
	if in.DueAt != nil {
		task.DueAt = in.DueAt
	}
	if in.ClearDue {
		task.DueAt = nil
	}

	newVersion, err := s.gate.Apply(ctx, occ.Identity{Kind: occ.KindTask, ID: taskID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return s.store.UpdateTask(ctx, task, expectedVersion)
		})
	if err != nil {
		return nil, err
	}
	task.Version = newVersion
	s.indexTask(task)
	return taskJSON(task), nil
}

func (s *Service) DeleteTask(ctx context.Context, taskID string, expectedVersion int64, session Session) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.requireWorkspaceAction(ctx, task.WorkspaceID, session, rbac.ActionWrite); err != nil {
		return err
	}

	_, err = s.gate.Apply(ctx, occ.Identity{Kind: occ.KindTask, ID: taskID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return 0, s.store.DeleteTask(ctx, taskID, expectedVersion)
		})
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

// --- comments ---

func (s *Service) ListComments(ctx context.Context, taskID string, session Session) ([]map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, task.WorkspaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		payload = append(payload, commentJSON(c))
	}
	return payload, nil
}

func (s *Service) CreateComment(ctx context.Context, taskID, body string, session Session) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWorkspaceAction(ctx, task.WorkspaceID, session, rbac.ActionComment); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}

	c := store.Comment{
		ID:          util.NewID("comment"),
		TaskID:      taskID,
		WorkspaceID: task.WorkspaceID,
		AuthorID:    session.UserID,
		Body:        body,
		Version:     1,
	}
	if err := s.store.InsertComment(ctx, c); err != nil {
		return nil, err
	}
	s.indexComment(c)
	return commentJSON(c), nil
}

func (s *Service) UpdateComment(ctx context.Context, commentID, body string, expectedVersion int64, session Session) (map[string]any, error) {
	c, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCommentOwnership(ctx, c, session); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	c.Body = body

	newVersion, err := s.gate.Apply(ctx, occ.Identity{Kind: occ.KindComment, ID: commentID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return s.store.UpdateComment(ctx, c, expectedVersion)
		})
	if err != nil {
		return nil, err
	}
	c.Version = newVersion
	s.indexComment(c)
	return commentJSON(c), nil
}

func (s *Service) DeleteComment(ctx context.Context, commentID string, expectedVersion int64, session Session) error {
	c, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.requireCommentOwnership(ctx, c, session); err != nil {
		return err
	}

	_, err = s.gate.Apply(ctx, occ.Identity{Kind: occ.KindComment, ID: commentID}, expectedVersion,
		func(ctx context.Context) (int64, error) {
			return 0, s.store.DeleteComment(ctx, commentID, expectedVersion)
		})
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// requireCommentOwnership allows the author to edit their own comment and
// workspace managers to moderate any comment.
func (s *Service) requireCommentOwnership(ctx context.Context, c store.Comment, session Session) error {
	if c.AuthorID == session.UserID {
		return s.requireWorkspaceAction(ctx, c.WorkspaceID, session, rbac.ActionComment)
	}
	return s.requireWorkspaceAction(ctx, c.WorkspaceID, session, rbac.ActionManage)
}

// --- search ---

func (s *Service) Search(ctx context.Context, text, filterType, workspaceID string, limit, offset int, session Session) (search.Response, error) {
	if workspaceID != "" {
		if err := s.requireWorkspaceAction(ctx, workspaceID, session, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
	}
	switch search.ResultType(filterType) {
	case "", search.ResultItem, search.ResultTask, search.ResultComment:
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid result type", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:              text,
		FilterType:        search.ResultType(filterType),
		FilterWorkspaceID: workspaceID,
		Limit:             limit,
		Offset:            offset,
	}), nil
}

func (s *Service) indexItem(it store.Item) {
	if s.search == nil {
		return
	}
	s.search.IndexItem(search.ItemRecord{
		ID:          it.ID,
		Title:       it.Title,
		Description: it.Description,
		WorkspaceID: it.WorkspaceID,
		Status:      it.Status,
	})
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Body:        task.Body,
		Status:      task.Status,
		ItemID:      task.ItemID,
		WorkspaceID: task.WorkspaceID,
	})
}

func (s *Service) indexComment(c store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:          c.ID,
		Body:        c.Body,
		TaskID:      c.TaskID,
		WorkspaceID: c.WorkspaceID,
	})
}

// --- rendering ---

func workspaceJSON(w store.Workspace) map[string]any {
	return map[string]any{
		"id":        w.ID,
		"name":      w.Name,
		"slug":      w.Slug,
		"settings":  w.Settings,
		"version":   w.Version,
		"createdAt": w.CreatedAt,
		"updatedAt": w.UpdatedAt,
	}
}

func itemJSON(it store.Item) map[string]any {
	return map[string]any{
		"id":          it.ID,
		"workspaceId": it.WorkspaceID,
		"title":       it.Title,
		"description": it.Description,
		"status":      it.Status,
		"sortOrder":   it.SortOrder,
		"version":     it.Version,
		"createdAt":   it.CreatedAt,
		"updatedAt":   it.UpdatedAt,
	}
}

func taskJSON(task store.Task) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"itemId":      task.ItemID,
		"workspaceId": task.WorkspaceID,
		"title":       task.Title,
		"body":        task.Body,
		"status":      task.Status,
		"assigneeId":  task.AssigneeID,
		"dueAt":       task.DueAt,
		"version":     task.Version,
		"createdBy":   task.CreatedBy,
		"createdAt":   task.CreatedAt,
		"updatedAt":   task.UpdatedAt,
	}
}

func commentJSON(c store.Comment) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"taskId":      c.TaskID,
		"workspaceId": c.WorkspaceID,
		"authorId":    c.AuthorID,
		"body":        c.Body,
		"version":     c.Version,
		"createdAt":   c.CreatedAt,
		"updatedAt":   c.UpdatedAt,
	}
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
