package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Conditional writes: every UPDATE/DELETE on a versioned table is keyed on the
// expected version in the same statement, so the check-and-write is a single
// atomic unit. A zero-row result is disambiguated inside the same transaction:
// row still there means the version went stale, row gone means a concurrent
// delete won.

func casOutcome(ctx context.Context, tx *sql.Tx, table, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("recheck %s: %w", table, err)
	}
	if exists {
		return ErrVersionMismatch
	}
	return ErrNotFound
}

func (s *PostgresStore) conditionalExec(ctx context.Context, table, query string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s write: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	var newVersion int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		// args[0] is always the row id.
		return 0, casOutcome(ctx, tx, table, args[0].(string))
	}
	if err != nil {
		return 0, fmt.Errorf("conditional write %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s write: %w", table, err)
	}
	return newVersion, nil
}

// --- workspaces ---

const workspaceColumns = `id, name, slug, settings, version, created_at, updated_at`

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, workspaceID).
		Scan(&w.ID, &w.Name, &w.Slug, &w.Settings, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Slug, &w.Settings, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, w Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug, settings)
		VALUES ($1, $2, $3, $4)
	`, w.ID, w.Name, w.Slug, w.Settings)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, w Workspace, expectedVersion int64) (int64, error) {
	return s.conditionalExec(ctx, "workspaces", `
		UPDATE workspaces
		SET name=$3, slug=$4, settings=$5, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, w.ID, expectedVersion, w.Name, w.Slug, w.Settings)
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string, expectedVersion int64) error {
	_, err := s.conditionalExec(ctx, "workspaces", `
		DELETE FROM workspaces WHERE id=$1 AND version=$2 RETURNING version
	`, workspaceID, expectedVersion)
	return err
}

// --- items ---

const itemColumns = `id, workspace_id, title, description, status, sort_order, version, created_at, updated_at`

func scanItem(scan func(...any) error) (Item, error) {
	var it Item
	err := scan(&it.ID, &it.WorkspaceID, &it.Title, &it.Description, &it.Status, &it.SortOrder, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID)
	it, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, workspaceID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items WHERE workspace_id=$1 ORDER BY sort_order, created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertItem(ctx context.Context, it Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, workspace_id, title, description, status, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, it.ID, it.WorkspaceID, it.Title, it.Description, it.Status, it.SortOrder)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, it Item, expectedVersion int64) (int64, error) {
	return s.conditionalExec(ctx, "items", `
		UPDATE items
		SET title=$3, description=$4, status=$5, sort_order=$6, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, it.ID, expectedVersion, it.Title, it.Description, it.Status, it.SortOrder)
}

func (s *PostgresStore) DeleteItem(ctx context.Context, itemID string, expectedVersion int64) error {
	_, err := s.conditionalExec(ctx, "items", `
		DELETE FROM items WHERE id=$1 AND version=$2 RETURNING version
	`, itemID, expectedVersion)
	return err
}

// --- tasks ---

const taskColumns = `id, item_id, workspace_id, title, body, status, assignee_id, due_at, version, created_by, created_at, updated_at`

func scanTask(scan func(...any) error) (Task, error) {
	var task Task
	err := scan(&task.ID, &task.ItemID, &task.WorkspaceID, &task.Title, &task.Body, &task.Status, &task.AssigneeID, &task.DueAt, &task.Version, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt)
	return task, err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, itemID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE item_id=$1 ORDER BY created_at
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, item_id, workspace_id, title, body, status, assignee_id, due_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, task.ID, task.ItemID, task.WorkspaceID, task.Title, task.Body, task.Status, task.AssigneeID, task.DueAt, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task, expectedVersion int64) (int64, error) {
	return s.conditionalExec(ctx, "tasks", `
		UPDATE tasks
		SET title=$3, body=$4, status=$5, assignee_id=$6, due_at=$7, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, task.ID, expectedVersion, task.Title, task.Body, task.Status, task.AssigneeID, task.DueAt)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string, expectedVersion int64) error {
	_, err := s.conditionalExec(ctx, "tasks", `
		DELETE FROM tasks WHERE id=$1 AND version=$2 RETURNING version
	`, taskID, expectedVersion)
	return err
}

// --- comments ---

const commentColumns = `id, task_id, workspace_id, author_id, body, version, created_at, updated_at`

func scanComment(scan func(...any) error) (Comment, error) {
	var c Comment
	err := scan(&c.ID, &c.TaskID, &c.WorkspaceID, &c.AuthorID, &c.Body, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	c, err := scanComment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments WHERE task_id=$1 ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, workspace_id, author_id, body)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.TaskID, c.WorkspaceID, c.AuthorID, c.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, c Comment, expectedVersion int64) (int64, error) {
	return s.conditionalExec(ctx, "comments", `
		UPDATE comments
		SET body=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, c.ID, expectedVersion, c.Body)
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string, expectedVersion int64) error {
	_, err := s.conditionalExec(ctx, "comments", `
		DELETE FROM comments WHERE id=$1 AND version=$2 RETURNING version
	`, commentID, expectedVersion)
	return err
}

// --- workspace membership ---

func (s *PostgresStore) GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_memberships WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read workspace role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertWorkspaceRole(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert workspace role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.avatar_url, wm.role
		FROM workspace_memberships wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id=$1 AND u.deactivated_at IS NULL
		ORDER BY u.display_name
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace members: %w", err)
	}
	defer rows.Close()

	members := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.AvatarURL, &u.Role); err != nil {
			return nil, fmt.Errorf("scan workspace member: %w", err)
		}
		members = append(members, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace members: %w", err)
	}
	return members, nil
}
