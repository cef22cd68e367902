package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rachelpine/capsule/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *storage.User) error {
	u.CreatedAt = time.Now().UTC()
	if u.Plan == "" {
		u.Plan = "free"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, plan, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.Plan, u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, plan, created_at
		FROM users WHERE id = ?`, id)

	var u storage.User
	var createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Plan, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

func (s *SQLiteStore) CreateCapsule(ctx context.Context, c *storage.Capsule) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = storage.CapsuleDraft
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capsules (id, owner_id, title, language, difficulty, content,
			quality_score, status, job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Title, c.Language, c.Difficulty, c.Content,
		c.QualityScore, c.Status, c.JobID,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting capsule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCapsule(ctx context.Context, id string) (*storage.Capsule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, language, difficulty, content,
			quality_score, status, job_id, created_at, updated_at
		FROM capsules WHERE id = ?`, id)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("capsule not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying capsule: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCapsulesByOwner(ctx context.Context, ownerID string, limit int) ([]storage.Capsule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, language, difficulty, content,
			quality_score, status, job_id, created_at, updated_at
		FROM capsules WHERE owner_id = ?
		ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing capsules: %w", err)
	}
	defer rows.Close()

	var capsules []storage.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		capsules = append(capsules, *c)
	}
	return capsules, rows.Err()
}

func (s *SQLiteStore) UpdateCapsule(ctx context.Context, c *storage.Capsule) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE capsules SET title = ?, content = ?, status = ?, quality_score = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Content, c.Status, c.QualityScore, c.UpdatedAt.Format(time.RFC3339), c.ID,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanCapsule(sc scanner) (*storage.Capsule, error) {
	var c storage.Capsule
	var createdAt, updatedAt string
	err := sc.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Language, &c.Difficulty,
		&c.Content, &c.QualityScore, &c.Status, &c.JobID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}
