package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

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

func (s *PostgresStore) SaveIdentity(ctx context.Context, identity Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, role, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, role=EXCLUDED.role, updated_at=NOW()
	`, identity.ID, identity.DisplayName, identity.Role)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, identityID string) (Identity, error) {
	var item Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, updated_at FROM identities WHERE id=$1
	`, identityID).Scan(&item.ID, &item.DisplayName, &item.Role, &item.UpdatedAt)
	if err != nil {
		return Identity{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, role, updated_at FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	items := make([]Identity, 0)
	for rows.Next() {
		var item Identity
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Role, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, asset_id, author_id, body, anchor, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.AssetID, comment.Author, comment.Text, comment.Anchor, comment.ParentID, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentColumns = `id, asset_id, author_id, body, anchor, parent_id, resolved, COALESCE(resolved_by, ''), resolved_at, created_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var parentID sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.AssetID,
		&item.Author,
		&item.Text,
		&item.Anchor,
		&parentID,
		&item.Resolved,
		&item.ResolvedBy,
		&resolvedAt,
		&item.CreatedAt,
	); err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		value := parentID.String
		item.ParentID = &value
	}
	if resolvedAt.Valid {
		value := resolvedAt.Time
		item.ResolvedAt = &value
	}
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, assetID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE asset_id=$1
		ORDER BY created_at ASC, id ASC
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// ResolveComment marks an unresolved comment resolved. It reports false when
// the comment was already resolved (or does not exist).
func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string, resolvedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET resolved=TRUE, resolved_by=$2, resolved_at=$3
		WHERE id=$1 AND resolved=FALSE
	`, commentID, resolvedBy, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertWorkflow(ctx context.Context, instance WorkflowInstance) error {
	steps, history, err := encodeWorkflow(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, asset_id, created_by, steps_json, current_step, status, history_json, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7::jsonb, $8, $9, $10)
	`, instance.ID, instance.AssetID, instance.CreatedBy, steps, instance.CurrentStep, string(instance.Status), history, instance.Version, instance.CreatedAt, instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow writes instance if the stored version is instance.Version-1.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, instance WorkflowInstance) error {
	steps, history, err := encodeWorkflow(instance)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET steps_json=$3::jsonb, current_step=$4, status=$5, history_json=$6::jsonb, version=$2, updated_at=$7
		WHERE id=$1 AND version=$2 - 1
	`, instance.ID, instance.Version, steps, instance.CurrentStep, string(instance.Status), history, instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update workflow %s: %w", instance.ID, ErrStaleWrite)
	}
	return nil
}

const workflowColumns = `id, asset_id, created_by, steps_json::text, current_step, status, history_json::text, version, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (WorkflowInstance, error) {
	var item WorkflowInstance
	var status, steps, history string
	if err := row.Scan(
		&item.ID,
		&item.AssetID,
		&item.CreatedBy,
		&steps,
		&item.CurrentStep,
		&status,
		&history,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return WorkflowInstance{}, err
	}
	item.Status = WorkflowStatus(status)
	if err := json.Unmarshal([]byte(steps), &item.Steps); err != nil {
		return WorkflowInstance{}, fmt.Errorf("decode workflow steps: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &item.History); err != nil {
		return WorkflowInstance{}, fmt.Errorf("decode workflow history: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=$1`, workflowID)
	return scanWorkflow(row)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, assetID string) ([]WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE asset_id=$1
		ORDER BY created_at ASC, id ASC
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowInstance, 0)
	for rows.Next() {
		item, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AppendChange(ctx context.Context, change EditChange) error {
	delta := change.Delta
	if len(delta) == 0 {
		delta = json.RawMessage(`null`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_changes (id, asset_id, section_id, session_id, identity_id, delta_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, change.ID, change.AssetID, change.SectionID, change.SessionID, change.IdentityID, string(delta), change.CreatedAt)
	if err != nil {
		return fmt.Errorf("append edit change: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, assetID, sectionID string, limit int) ([]EditChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_id, section_id, session_id, identity_id, delta_json::text, created_at
		FROM edit_changes
		WHERE asset_id=$1 AND ($2 = '' OR section_id=$2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, assetID, sectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list edit changes: %w", err)
	}
	defer rows.Close()

	items := make([]EditChange, 0)
	for rows.Next() {
		var item EditChange
		var delta string
		if err := rows.Scan(&item.ID, &item.AssetID, &item.SectionID, &item.SessionID, &item.IdentityID, &delta, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit change: %w", err)
		}
		item.Delta = json.RawMessage(delta)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit changes: %w", err)
	}
	return items, nil
}

func encodeWorkflow(instance WorkflowInstance) (string, string, error) {
	steps, err := json.Marshal(instance.Steps)
	if err != nil {
		return "", "", fmt.Errorf("encode workflow steps: %w", err)
	}
	history := instance.History
	if history == nil {
		history = []WorkflowEvent{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", "", fmt.Errorf("encode workflow history: %w", err)
	}
	return string(steps), string(historyJSON), nil
}
