package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskhub/api/internal/auth"
	"taskhub/api/internal/config"
	"taskhub/api/internal/occ"
	"taskhub/api/internal/store"
)

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// memStore is an in-memory dataStore with real conditional-write semantics,
// so version conflicts behave exactly like the SQL store's.
type memStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	workspaces map[string]store.Workspace
	items      map[string]store.Item
	tasks      map[string]store.Task
	comments   map[string]store.Comment
	roles      map[string]string
	refresh    map[string]refreshRecord
	revoked    map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[string]store.User{},
		workspaces: map[string]store.Workspace{},
		items:      map[string]store.Item{},
		tasks:      map[string]store.Task{},
		comments:   map[string]store.Comment{},
		roles:      map[string]string{},
		refresh:    map[string]refreshRecord{},
		revoked:    map[string]bool{},
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tokenHash]
	if !ok || rec.expiresAt.Before(time.Now()) {
		return store.User{}, store.ErrNotFound
	}
	return store.User{ID: rec.userID}, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return w, nil
}

func (m *memStore) ListWorkspaces(context.Context) ([]store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		out = append(out, w)
	}
	return out, nil
}

func (m *memStore) InsertWorkspace(_ context.Context, w store.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[w.ID] = w
	return nil
}

func (m *memStore) UpdateWorkspace(_ context.Context, w store.Workspace, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workspaces[w.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if current.Version != expected {
		return 0, store.ErrVersionMismatch
	}
	w.Version = expected + 1
	m.workspaces[w.ID] = w
	return w.Version, nil
}

func (m *memStore) DeleteWorkspace(_ context.Context, id string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workspaces[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expected {
		return store.ErrVersionMismatch
	}
	delete(m.workspaces, id)
	return nil
}

func (m *memStore) GetItem(_ context.Context, id string) (store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return store.Item{}, store.ErrNotFound
	}
	return it, nil
}

func (m *memStore) ListItems(_ context.Context, workspaceID string) ([]store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Item{}
	for _, it := range m.items {
		if it.WorkspaceID == workspaceID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memStore) InsertItem(_ context.Context, it store.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ID] = it
	return nil
}

func (m *memStore) UpdateItem(_ context.Context, it store.Item, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[it.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if current.Version != expected {
		return 0, store.ErrVersionMismatch
	}
	it.Version = expected + 1
	m.items[it.ID] = it
	return it.Version, nil
}

func (m *memStore) DeleteItem(_ context.Context, id string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expected {
		return store.ErrVersionMismatch
	}
	delete(m.items, id)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return task, nil
}

func (m *memStore) ListTasks(_ context.Context, itemID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Task{}
	for _, task := range m.tasks {
		if task.ItemID == itemID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memStore) InsertTask(_ context.Context, task store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, task store.Task, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[task.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if current.Version != expected {
		return 0, store.ErrVersionMismatch
	}
	task.Version = expected + 1
	m.tasks[task.ID] = task
	return task.Version, nil
}

func (m *memStore) DeleteTask(_ context.Context, id string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expected {
		return store.ErrVersionMismatch
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListComments(_ context.Context, taskID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Comment{}
	for _, c := range m.comments {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) InsertComment(_ context.Context, c store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[c.ID] = c
	return nil
}

func (m *memStore) UpdateComment(_ context.Context, c store.Comment, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.comments[c.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if current.Version != expected {
		return 0, store.ErrVersionMismatch
	}
	c.Version = expected + 1
	m.comments[c.ID] = c
	return c.Version, nil
}

func (m *memStore) DeleteComment(_ context.Context, id string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.comments[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expected {
		return store.ErrVersionMismatch
	}
	delete(m.comments, id)
	return nil
}

func (m *memStore) GetWorkspaceRole(_ context.Context, workspaceID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[workspaceID+"/"+userID], nil
}

func (m *memStore) UpsertWorkspaceRole(_ context.Context, workspaceID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[workspaceID+"/"+userID] = role
	return nil
}

func (m *memStore) ListWorkspaceMembers(_ context.Context, workspaceID string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.User{}
	for key, role := range m.roles {
		if len(key) > len(workspaceID) && key[:len(workspaceID)] == workspaceID {
			userID := key[len(workspaceID)+1:]
			u := m.users[userID]
			u.Role = role
			out = append(out, u)
		}
	}
	return out, nil
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	ms := newMemStore()
	return newService(testConfig(), ms, ms, nil), ms
}

func seedUser(ms *memStore, id, name, role string) Session {
	ms.users[id] = store.User{ID: id, DisplayName: name, Role: role, IsEmailVerified: true}
	return Session{UserID: id, UserName: name, Role: role}
}

func seedWorkspace(ms *memStore, id string) {
	ms.workspaces[id] = store.Workspace{ID: id, Name: "Workspace", Slug: "workspace", Settings: "{}", Version: 1}
}

func TestCreateWorkspaceMakesCreatorAdmin(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")

	payload, err := svc.CreateWorkspace(context.Background(), "My Project", "", session)
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	id := payload["id"].(string)
	role, _ := ms.GetWorkspaceRole(context.Background(), id, "user_1")
	if role != "admin" {
		t.Fatalf("creator role = %q, want admin", role)
	}
	if payload["version"].(int64) != 1 {
		t.Fatalf("new workspace version = %v, want 1", payload["version"])
	}
	if payload["slug"].(string) != "my-project" {
		t.Fatalf("slug = %q", payload["slug"])
	}
}

func TestUpdateItemBumpsVersion(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	ms.roles["ws_1/user_1"] = "editor"
	ms.items["item_1"] = store.Item{ID: "item_1", WorkspaceID: "ws_1", Title: "Board", Status: "ACTIVE", Version: 3}

	title := "Renamed"
	payload, err := svc.UpdateItem(context.Background(), "item_1", UpdateItemInput{Title: &title}, 3, session)
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if payload["version"].(int64) != 4 {
		t.Fatalf("version = %v, want 4", payload["version"])
	}
	if ms.items["item_1"].Title != "Renamed" {
		t.Fatalf("title not persisted")
	}
}

func TestUpdateItemStaleVersionReturnsConflictWithLatest(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	ms.roles["ws_1/user_1"] = "editor"
	ms.items["item_1"] = store.Item{ID: "item_1", WorkspaceID: "ws_1", Title: "Board", Status: "ACTIVE", Version: 5}

	title := "Stale write"
	_, err := svc.UpdateItem(context.Background(), "item_1", UpdateItemInput{Title: &title}, 3, session)

	var conflict *occ.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *occ.Conflict", err)
	}
	if conflict.Deleted {
		t.Fatalf("conflict marked deleted for a live row")
	}
	if conflict.Latest == nil || conflict.Latest.Item == nil {
		t.Fatalf("conflict carries no fresh item")
	}
	if conflict.Latest.Item.Version != 5 {
		t.Fatalf("latest version = %d, want 5", conflict.Latest.Item.Version)
	}
	if conflict.Latest.Item.Title != "Board" {
		t.Fatalf("latest title = %q, stale write leaked", conflict.Latest.Item.Title)
	}
}

func TestUpdateTaskMissingVersionRejected(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	ms.roles["ws_1/user_1"] = "editor"
	ms.tasks["task_1"] = store.Task{ID: "task_1", ItemID: "item_1", WorkspaceID: "ws_1", Title: "Task", Status: "TODO", Version: 1}

	title := "x"
	_, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{Title: &title}, 0, session)
	if !errors.Is(err, occ.ErrMissingVersion) {
		t.Fatalf("err = %v, want ErrMissingVersion", err)
	}
}

// raceStore loses both races: the conditional write misses because the row
// was deleted out from under it, so the conflict snapshot misses too.
type raceStore struct {
	*memStore
}

func (r *raceStore) UpdateTask(_ context.Context, task store.Task, _ int64) (int64, error) {
	delete(r.memStore.tasks, task.ID)
	return 0, store.ErrVersionMismatch
}

func TestConcurrentDeleteYieldsDeletedConflict(t *testing.T) {
	ms := newMemStore()
	rs := &raceStore{memStore: ms}
	svc := newService(testConfig(), rs, rs, nil)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	ms.roles["ws_1/user_1"] = "editor"
	ms.tasks["task_1"] = store.Task{ID: "task_1", ItemID: "item_1", WorkspaceID: "ws_1", Title: "Task", Status: "TODO", Version: 2}

	title := "x"
	_, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{Title: &title}, 2, session)

	var conflict *occ.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *occ.Conflict", err)
	}
	if !conflict.Deleted {
		t.Fatalf("conflict not marked deleted")
	}
	if conflict.Latest != nil {
		t.Fatalf("deleted conflict must not carry a snapshot")
	}
}

func TestNonMemberCannotReadWorkspace(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_2", "bob", "editor")
	seedWorkspace(ms, "ws_1")

	_, err := svc.GetWorkspace(context.Background(), "ws_1", session)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestGlobalAdminSeesEveryWorkspace(t *testing.T) {
	svc, ms := newTestService(t)
	admin := seedUser(ms, "user_9", "root", "admin")
	seedWorkspace(ms, "ws_1")
	seedWorkspace(ms, "ws_2")

	items, err := svc.ListWorkspaces(context.Background(), admin)
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("admin sees %d workspaces, want 2", len(items))
	}
}

func TestListWorkspacesFiltersToMemberships(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	seedWorkspace(ms, "ws_2")
	ms.roles["ws_1/user_1"] = "viewer"

	items, err := svc.ListWorkspaces(context.Background(), session)
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(items) != 1 || items[0]["id"].(string) != "ws_1" {
		t.Fatalf("items = %v, want only ws_1", items)
	}
}

func TestCommenterCannotEditItems(t *testing.T) {
	svc, ms := newTestService(t)
	session := seedUser(ms, "user_1", "alice", "editor")
	seedWorkspace(ms, "ws_1")
	ms.roles["ws_1/user_1"] = "commenter"

	_, err := svc.CreateItem(context.Background(), "ws_1", CreateItemInput{Title: "Board"}, session)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestCommentModerationRequiresManage(t *testing.T) {
	svc, ms := newTestService(t)
	seedWorkspace(ms, "ws_1")
	author := seedUser(ms, "user_1", "alice", "editor")
	other := seedUser(ms, "user_2", "bob", "editor")
	ms.roles["ws_1/user_1"] = "commenter"
	ms.roles["ws_1/user_2"] = "editor"
	ms.tasks["task_1"] = store.Task{ID: "task_1", ItemID: "item_1", WorkspaceID: "ws_1", Title: "Task", Status: "TODO", Version: 1}
	ms.comments["comment_1"] = store.Comment{ID: "comment_1", TaskID: "task_1", WorkspaceID: "ws_1", AuthorID: "user_1", Body: "hi", Version: 1}

	if _, err := svc.UpdateComment(context.Background(), "comment_1", "edited by author", 1, author); err != nil {
		t.Fatalf("author edit: %v", err)
	}
	_, err := svc.UpdateComment(context.Background(), "comment_1", "edited by other", 2, other)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("non-manager editing foreign comment: err = %v, want FORBIDDEN", err)
	}

	ms.roles["ws_1/user_2"] = "admin"
	if _, err := svc.UpdateComment(context.Background(), "comment_1", "moderated", 2, other); err != nil {
		t.Fatalf("admin moderation: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, ms := newTestService(t)
	seedUser(ms, "user_1", "alice", "editor")

	session, err := svc.CreateSession(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("session missing tokens")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "user_1" || parsed.UserName != "alice" {
		t.Fatalf("parsed = %+v", parsed)
	}

	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatalf("old refresh token still valid after rotation")
	}

	if err := svc.Logout(context.Background(), refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), refreshed.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("access token usable after logout: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); err == nil {
		t.Fatalf("refresh token usable after logout")
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	svc, ms := newTestService(t)
	seedUser(ms, "user_1", "alice", "editor")

	session, err := svc.CreateSession(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	u := ms.users["user_1"]
	u.Role = "admin"
	ms.users["user_1"] = u

	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Role != "admin" {
		t.Fatalf("refreshed role = %q, want admin", refreshed.Role)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My Project":     "my-project",
		"  Q3 -- Plans ": "q3-plans",
		"Ops":            "ops",
	}
	for input, want := range cases {
		if got := slugify(input); got != want {
			t.Fatalf("slugify(%q) = %q, want %q", input, got, want)
		}
	}
}
