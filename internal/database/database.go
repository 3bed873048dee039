package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"lookout/internal/events"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Event list limits
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Database handles camera and detection event storage
type Database struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Camera represents a camera stored in the database
type Camera struct {
	ID         int64     `json:"id"`
	Name       string    `json:"source_name"`
	StreamType string    `json:"stream_type"`
	Stream     string    `json:"stream"`
	Location   string    `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventFilter narrows ListEvents
type EventFilter struct {
	Limit  int
	Offset int
	// ModelType "" or "all" matches every model type
	ModelType string
	CameraID  *int64
	JobID     string
}

// Summary counts stored detections per model type
type Summary struct {
	Total            int64 `json:"totalDetections"`
	ObjectDetections int64 `json:"objectDetections"`
	Segmentations    int64 `json:"segmentations"`
	PoseEstimations  int64 `json:"poseEstimations"`
}

// ClassCount is one row of the top classes ranking
type ClassCount struct {
	ClassName  string  `json:"class_name"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Open connects to a sqlite file or a postgres DSN
func Open(driver, dsn string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if driver == DriverSQLite && !strings.Contains(dsn, "_time_format") {
		// store times in a sortable layout so range filters compare correctly
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// one connection keeps writers from tripping over SQLITE_BUSY
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{
		db:     db,
		driver: driver,
		logger: logger.With("component", "database", "driver", driver),
	}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the tables and indexes
func (d *Database) Migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timeType := "TIMESTAMP"
	if d.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		timeType = "TIMESTAMPTZ"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id ` + idColumn + `,
			source_name TEXT NOT NULL,
			stream_type TEXT NOT NULL,
			stream TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detection_events (
			id TEXT PRIMARY KEY,
			class_name TEXT NOT NULL,
			model_type TEXT NOT NULL,
			camera_id BIGINT,
			camera_name TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			snapshot_key TEXT NOT NULL DEFAULT '',
			detected_at ` + timeType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_events_time ON detection_events(detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_events_camera ON detection_events(camera_id, detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_events_model ON detection_events(model_type)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Info("database migrations completed")
	return nil
}

// CreateCamera inserts a camera and sets its ID
func (d *Database) CreateCamera(ctx context.Context, cam *Camera) error {
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO cameras (source_name, stream_type, stream, location, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := d.db.QueryRowContext(ctx, query, cam.Name, cam.StreamType, cam.Stream, cam.Location, cam.CreatedAt).
		Scan(&cam.ID)
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// GetCamera retrieves a camera by ID
func (d *Database) GetCamera(ctx context.Context, id int64) (*Camera, error) {
	query := `SELECT id, source_name, stream_type, stream, location, created_at FROM cameras WHERE id = $1`

	var cam Camera
	err := d.db.QueryRowContext(ctx, query, id).
		Scan(&cam.ID, &cam.Name, &cam.StreamType, &cam.Stream, &cam.Location, &cam.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return &cam, nil
}

// ListCameras returns all cameras ordered by id. A non-empty streamType filters by type.
func (d *Database) ListCameras(ctx context.Context, streamType string) ([]*Camera, error) {
	query := `SELECT id, source_name, stream_type, stream, location, created_at FROM cameras`
	var args []any
	if streamType != "" {
		query += " WHERE stream_type = $1"
		args = append(args, streamType)
	}
	query += " ORDER BY id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	cameras := []*Camera{}
	for rows.Next() {
		var cam Camera
		if err := rows.Scan(&cam.ID, &cam.Name, &cam.StreamType, &cam.Stream, &cam.Location, &cam.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, &cam)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	return cameras, nil
}

// DeleteCamera deletes a camera by ID. Its detection events are kept.
func (d *Database) DeleteCamera(ctx context.Context, id int64) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return nil
}

// SaveEvent stores a detection event
func (d *Database) SaveEvent(ctx context.Context, e *events.Event) error {
	query := `INSERT INTO detection_events
		(id, class_name, model_type, camera_id, camera_name, job_id, confidence, snapshot_key, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var cameraID sql.NullInt64
	if e.CameraID != nil {
		cameraID = sql.NullInt64{Int64: *e.CameraID, Valid: true}
	}

	_, err := d.db.ExecContext(ctx, query, e.ID, e.ClassName, e.ModelType, cameraID, e.CameraName,
		e.JobID, float64(e.Confidence), e.SnapshotKey, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save detection event: %w", err)
	}
	return nil
}

// Persist implements events.Sink
func (d *Database) Persist(ctx context.Context, e *events.Event) error {
	return d.SaveEvent(ctx, e)
}

// ListEvents returns detection events newest first. Events without a stored camera
// name take the name of their camera.
func (d *Database) ListEvents(ctx context.Context, f EventFilter) ([]*events.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ModelType != "" && f.ModelType != "all" {
		where = append(where, "e.model_type = "+arg(f.ModelType))
	}
	if f.CameraID != nil {
		where = append(where, "e.camera_id = "+arg(*f.CameraID))
	}
	if f.JobID != "" {
		where = append(where, "e.job_id = "+arg(f.JobID))
	}

	query := `SELECT e.id, e.class_name, e.model_type, e.camera_id,
		COALESCE(NULLIF(e.camera_name, ''), c.source_name, ''),
		e.job_id, e.confidence, e.snapshot_key, e.detected_at
		FROM detection_events e LEFT JOIN cameras c ON c.id = e.camera_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.detected_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection events: %w", err)
	}
	defer rows.Close()

	out := []*events.Event{}
	for rows.Next() {
		var e events.Event
		var cameraID sql.NullInt64
		var confidence float64
		if err := rows.Scan(&e.ID, &e.ClassName, &e.ModelType, &cameraID, &e.CameraName,
			&e.JobID, &confidence, &e.SnapshotKey, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan detection event: %w", err)
		}
		if cameraID.Valid {
			id := cameraID.Int64
			e.CameraID = &id
		}
		e.Confidence = float32(confidence)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list detection events: %w", err)
	}
	return out, nil
}

// Summary counts all detections and the three main model types
func (d *Database) Summary(ctx context.Context) (*Summary, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN model_type = 'objectDetection' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN model_type = 'segmentation' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN model_type = 'pose' THEN 1 ELSE 0 END), 0)
		FROM detection_events`

	var s Summary
	if err := d.db.QueryRowContext(ctx, query).
		Scan(&s.Total, &s.ObjectDetections, &s.Segmentations, &s.PoseEstimations); err != nil {
		return nil, fmt.Errorf("failed to summarize detections: %w", err)
	}
	return &s, nil
}

// Classes lists the distinct class names seen for a model type ("all" for any)
func (d *Database) Classes(ctx context.Context, modelType string) ([]string, error) {
	query := `SELECT DISTINCT class_name FROM detection_events WHERE class_name <> ''`
	var args []any
	if modelType != "" && modelType != "all" {
		query += " AND model_type = $1"
		args = append(args, modelType)
	}
	query += " ORDER BY class_name"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	defer rows.Close()

	classes := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		classes = append(classes, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	return classes, nil
}

// TopClasses ranks classes by detection count since the given time
func (d *Database) TopClasses(ctx context.Context, limit int, since time.Time) ([]ClassCount, error) {
	if limit <= 0 {
		limit = 10
	}
	since = since.UTC()

	var total int64
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detection_events WHERE detected_at >= $1 AND class_name <> ''`, since).
		Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT class_name, COUNT(*) AS n FROM detection_events
		WHERE detected_at >= $1 AND class_name <> ''
		GROUP BY class_name ORDER BY n DESC, class_name LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank classes: %w", err)
	}
	defer rows.Close()

	out := []ClassCount{}
	for rows.Next() {
		var c ClassCount
		if err := rows.Scan(&c.ClassName, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan class count: %w", err)
		}
		if total > 0 {
			c.Percentage = math.Round(10000*float64(c.Count)/float64(total)) / 100
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to rank classes: %w", err)
	}
	return out, nil
}

var _ events.Sink = (*Database)(nil)
