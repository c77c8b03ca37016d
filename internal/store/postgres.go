package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkwell/engine/internal/rbac"
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

const projectColumns = `folder, project_id, title, owner_name, status, tags, metadata, engagement, created_at, last_modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		p          Project
		status     string
		tags       []byte
		metadata   []byte
		engagement []byte
	)
	if err := row.Scan(&p.Ref.Folder, &p.Ref.ID, &p.Title, &p.Owner, &status, &tags, &metadata, &engagement, &p.CreatedAt, &p.LastModified); err != nil {
		return Project{}, err
	}
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastModified = p.LastModified.UTC()
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return Project{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(metadata) > 0 {
		p.Metadata = &Metadata{}
		if err := json.Unmarshal(metadata, p.Metadata); err != nil {
			return Project{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(engagement) > 0 {
		p.Engagement = &Engagement{}
		if err := json.Unmarshal(engagement, p.Engagement); err != nil {
			return Project{}, fmt.Errorf("decode engagement: %w", err)
		}
	}
	return p, nil
}

// nullableJSON encodes v, mapping a nil pointer to SQL NULL.
func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertProject(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateProjectWithVersion(ctx context.Context, p Project, v Version) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertProject(ctx, tx, p); err != nil {
		return err
	}
	if err := insertVersion(ctx, tx, p.Ref, v); err != nil {
		return err
	}
	if err := swapHead(ctx, tx, p.Ref, v.Branch, "", v.Hash, v.Timestamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func insertProject(ctx context.Context, tx *sql.Tx, p Project) error {
	tags, err := encodeTags(p.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadata, err := nullableJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	engagement, err := nullableJSON(p.Engagement)
	if err != nil {
		return fmt.Errorf("encode engagement: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO projects (project_key, `+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_key) DO NOTHING
	`, p.Ref.Key(), p.Ref.Folder, p.Ref.ID, p.Title, p.Owner, string(p.Status), tags, metadata, engagement, p.CreatedAt, p.LastModified)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert project: %w", err)
	} else if n == 0 {
		return ErrConflict
	}

	for username, role := range p.Collaborators {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collaborators (project_key, username, role)
			VALUES ($1, $2, $3)
		`, p.Ref.Key(), username, string(role)); err != nil {
			return fmt.Errorf("insert collaborator: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, ref ProjectRef) (Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_key=$1`, ref.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}

	collaborators, err := s.collaborators(ctx, ref.Key())
	if err != nil {
		return Project{}, err
	}
	p.Collaborators = collaborators[ref.Key()]
	if p.Collaborators == nil {
		p.Collaborators = map[string]rbac.Role{}
	}
	return p, nil
}

// collaborators loads the collaborator maps of one project, or of every
// project when key is empty.
func (s *PostgresStore) collaborators(ctx context.Context, key string) (map[string]map[string]rbac.Role, error) {
	query := `SELECT project_key, username, role FROM collaborators`
	args := []any{}
	if key != "" {
		query += ` WHERE project_key=$1`
		args = append(args, key)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]rbac.Role{}
	for rows.Next() {
		var projectKey, username, role string
		if err := rows.Scan(&projectKey, &username, &role); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		if out[projectKey] == nil {
			out[projectKey] = map[string]rbac.Role{}
		}
		out[projectKey][username] = rbac.Role(role)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_modified DESC, project_key`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var items []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	collaborators, err := s.collaborators(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Collaborators = collaborators[items[i].Ref.Key()]
		if items[i].Collaborators == nil {
			items[i].Collaborators = map[string]rbac.Role{}
		}
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, ref ProjectRef, fn func(*Project) error) (Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin update project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_key=$1 FOR UPDATE`, ref.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("lock project: %w", err)
	}

	if err := fn(&p); err != nil {
		return Project{}, err
	}

	tags, err := encodeTags(p.Tags)
	if err != nil {
		return Project{}, fmt.Errorf("encode tags: %w", err)
	}
	metadata, err := nullableJSON(p.Metadata)
	if err != nil {
		return Project{}, fmt.Errorf("encode metadata: %w", err)
	}
	engagement, err := nullableJSON(p.Engagement)
	if err != nil {
		return Project{}, fmt.Errorf("encode engagement: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET title=$2, status=$3, tags=$4, metadata=$5, engagement=$6, last_modified=$7
		WHERE project_key=$1
	`, ref.Key(), p.Title, string(p.Status), tags, metadata, engagement, p.LastModified); err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit update project: %w", err)
	}
	p.Ref = ref
	return p, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, ref ProjectRef, username string, fn CollaboratorFunc) (rbac.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert collaborator: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The project row lock serialises every collaborator mutation of the project.
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT project_key FROM projects WHERE project_key=$1 FOR UPDATE`, ref.Key()).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock project: %w", err)
	}

	var current string
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT role FROM collaborators WHERE project_key=$1 AND username=$2`, ref.Key(), username).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", fmt.Errorf("read collaborator: %w", err)
	}

	next, write, err := fn(rbac.Role(current), exists)
	if err != nil {
		return "", err
	}
	if !write {
		return rbac.Role(current), nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collaborators (project_key, username, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_key, username) DO UPDATE SET role=EXCLUDED.role
	`, ref.Key(), username, string(next)); err != nil {
		return "", fmt.Errorf("upsert collaborator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert collaborator: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, ref ProjectRef, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collaborators WHERE project_key=$1 AND username=$2`, ref.Key(), username)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, ref ProjectRef, hash string) (Version, error) {
	var v Version
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, parent_hash, branch_name, author_name, created_at, content_hash, content_size, label
		FROM versions
		WHERE project_key=$1 AND hash=$2
	`, ref.Key(), hash).Scan(&v.Hash, &v.ParentHash, &v.Branch, &v.Author, &v.Timestamp, &v.ContentHash, &v.ContentSize, &v.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	v.Timestamp = v.Timestamp.UTC()
	return v, nil
}

func (s *PostgresStore) GetHead(ctx context.Context, ref ProjectRef, branch string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, `SELECT head FROM branches WHERE project_key=$1 AND name=$2`, ref.Key(), branch).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get head: %w", err)
	}
	return head, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, ref ProjectRef) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, head, updated_at FROM branches WHERE project_key=$1 ORDER BY name`, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var items []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.Name, &b.Head, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		items = append(items, b)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AdvanceHead(ctx context.Context, ref ProjectRef, branch, expected string, v Version) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertVersion(ctx, tx, ref, v); err != nil {
		return err
	}
	if err := swapHead(ctx, tx, ref, branch, expected, v.Hash, v.Timestamp); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetHead(ctx context.Context, ref ProjectRef, branch, expected, head string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set head: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := swapHead(ctx, tx, ref, branch, expected, head, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set head: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, ref ProjectRef, v Version) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (project_key, hash, parent_hash, branch_name, author_name, created_at, content_hash, content_size, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_key, hash) DO NOTHING
	`, ref.Key(), v.Hash, v.ParentHash, v.Branch, v.Author, v.Timestamp, v.ContentHash, v.ContentSize, v.Label); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// swapHead is the compare-and-swap on a branch row. Zero affected rows means
// another writer moved the head first.
func swapHead(ctx context.Context, tx *sql.Tx, ref ProjectRef, branch, expected, head string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if expected == "" {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO branches (project_key, name, head, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_key, name) DO NOTHING
		`, ref.Key(), branch, head, at)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE branches SET head=$3, updated_at=$4
			WHERE project_key=$1 AND name=$2 AND head=$5
		`, ref.Key(), branch, head, at, expected)
	}
	if err != nil {
		return fmt.Errorf("swap head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap head: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

const shareLinkColumns = `id, token_digest, project_key, default_role, issuer_name, created_at, active, deactivated_at, deactivated_by`

func scanShareLink(row rowScanner) (ShareLink, error) {
	var (
		link          ShareLink
		projectKey    string
		role          string
		deactivatedAt sql.NullTime
	)
	if err := row.Scan(&link.ID, &link.TokenDigest, &projectKey, &role, &link.Issuer, &link.CreatedAt, &link.Active, &deactivatedAt, &link.DeactivatedBy); err != nil {
		return ShareLink{}, err
	}
	ref, err := ParseRef(projectKey)
	if err != nil {
		return ShareLink{}, err
	}
	link.Project = ref
	link.DefaultRole = rbac.Role(role)
	link.CreatedAt = link.CreatedAt.UTC()
	if deactivatedAt.Valid {
		at := deactivatedAt.Time.UTC()
		link.DeactivatedAt = &at
	}
	return link, nil
}

func (s *PostgresStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, token_digest, project_key, default_role, issuer_name, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, link.ID, link.TokenDigest, link.Project.Key(), string(link.DefaultRole), link.Issuer, link.CreatedAt, link.Active)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLink(ctx context.Context, id string) (ShareLink, error) {
	link, err := scanShareLink(s.db.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetShareLinkByDigest(ctx context.Context, digest string) (ShareLink, error) {
	link, err := scanShareLink(s.db.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE token_digest=$1`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) ListShareLinks(ctx context.Context, ref ProjectRef) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE project_key=$1 ORDER BY created_at, id`, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	var items []ShareLink
	for rows.Next() {
		link, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		items = append(items, link)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeactivateShareLink(ctx context.Context, id, actor string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET active=FALSE, deactivated_at=$2, deactivated_by=$3
		WHERE id=$1 AND active
	`, id, at, actor)
	if err != nil {
		return fmt.Errorf("deactivate share link: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM share_links WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check share link: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
