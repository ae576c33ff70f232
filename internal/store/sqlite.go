package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed deployment history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the SQLite database at dbPath, creating its directory, and
// runs migrations. ":memory:" gives a private in-memory database.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("history store opened", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ============================================================================
// Deployment Operations
// ============================================================================

const deploymentColumns = `
	id, run_id, deploy_id, method, origin, COALESCE(project_dir, ''),
	COALESCE(archive_id, ''), archive_size, chunk_size, total_chunks, chunks_sent,
	COALESCE(files_packed, 0), COALESCE(extracted, 0), COALESCE(destination, ''),
	start_time, end_time, status, COALESCE(error_message, '')
`

func scanDeployment(sc interface{ Scan(...any) error }, d *Deployment) error {
	return sc.Scan(
		&d.ID, &d.RunID, &d.DeployID, &d.Method, &d.Origin, &d.ProjectDir,
		&d.ArchiveID, &d.ArchiveSize, &d.ChunkSize, &d.TotalChunks, &d.ChunksSent,
		&d.FilesPacked, &d.Extracted, &d.Destination,
		&d.StartTime, &d.EndTime, &d.Status, &d.ErrorMessage,
	)
}

// CreateDeployment inserts a new Deployment and sets its ID
func (s *Store) CreateDeployment(d *Deployment) error {
	const query = `
		INSERT INTO deployments (
			run_id, deploy_id, method, origin, project_dir, archive_id,
			archive_size, chunk_size, total_chunks, chunks_sent, files_packed,
			extracted, destination, start_time, end_time, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if d.Status == "" {
		d.Status = StatusRunning
	}

	result, err := s.db.Exec(
		query,
		d.RunID, d.DeployID, d.Method, d.Origin, d.ProjectDir, d.ArchiveID,
		d.ArchiveSize, d.ChunkSize, d.TotalChunks, d.ChunksSent, d.FilesPacked,
		d.Extracted, d.Destination, d.StartTime, d.EndTime, d.Status, d.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	d.ID = id
	return nil
}

// UpdateDeployment updates an existing Deployment by ID
func (s *Store) UpdateDeployment(d *Deployment) error {
	const query = `
		UPDATE deployments SET
			archive_id = ?, archive_size = ?, chunk_size = ?, total_chunks = ?,
			chunks_sent = ?, files_packed = ?, extracted = ?, destination = ?,
			end_time = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		d.ArchiveID, d.ArchiveSize, d.ChunkSize, d.TotalChunks,
		d.ChunksSent, d.FilesPacked, d.Extracted, d.Destination,
		d.EndTime, d.Status, d.ErrorMessage, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("deployment %d: %w", d.ID, ErrNotFound)
	}

	return nil
}

// GetDeployment retrieves a Deployment by run ID
func (s *Store) GetDeployment(runID string) (*Deployment, error) {
	query := "SELECT " + deploymentColumns + " FROM deployments WHERE run_id = ?"

	d := &Deployment{}
	if err := scanDeployment(s.db.QueryRow(query, runID), d); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deployment %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}
	return d, nil
}

// ListDeployments retrieves Deployments newest first, optionally filtered
// by deployment identifier
func (s *Store) ListDeployments(deployID string, limit int) ([]Deployment, error) {
	query := "SELECT " + deploymentColumns + " FROM deployments"
	var args []interface{}

	if deployID != "" {
		query += " WHERE deploy_id = ?"
		args = append(args, deployID)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var deployments []Deployment
	for rows.Next() {
		var d Deployment
		if err := scanDeployment(rows, &d); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// ============================================================================
// DeploymentChunk Operations
// ============================================================================

// AddDeploymentChunk records the outcome of one chunk delivery
func (s *Store) AddDeploymentChunk(c *DeploymentChunk) error {
	const query = `
		INSERT INTO deployment_chunks (
			deployment_id, seq, name, size, sha256, status_code, response,
			duration_ms, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		c.DeploymentID, c.Seq, c.Name, c.Size, c.SHA256, c.StatusCode,
		c.Response, c.DurationMS, c.Status, c.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment chunk: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	c.ID = id
	return nil
}

// ListDeploymentChunks retrieves the chunk records of a deployment in
// sequence order
func (s *Store) ListDeploymentChunks(deploymentID int64) ([]DeploymentChunk, error) {
	const query = `
		SELECT id, deployment_id, seq, name, size, COALESCE(sha256, ''), status_code,
		       COALESCE(response, ''), duration_ms, status, COALESCE(error_message, ''),
		       created_at
		FROM deployment_chunks
		WHERE deployment_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.Query(query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DeploymentChunk
	for rows.Next() {
		var c DeploymentChunk
		err := rows.Scan(
			&c.ID, &c.DeploymentID, &c.Seq, &c.Name, &c.Size, &c.SHA256,
			&c.StatusCode, &c.Response, &c.DurationMS, &c.Status, &c.ErrorMessage,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment chunk: %w", err)
		}
		chunks = append(chunks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment chunks: %w", err)
	}

	return chunks, nil
}
