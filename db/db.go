// Package db persists normalized workflow results to the shared group
// database and carries the job queue that workers poll.
//
// The database is addressed by a DSN. A plain path or a "sqlite:" prefix
// opens a single-file SQLite database (created on first use, WAL mode),
// which is the zero-setup default for one machine or a shared filesystem.
// A "mysql://" prefix opens a MySQL/MariaDB server database for group
// deployments; both backends run the same schema and queries.
//
// Connections are meant to be scoped: Connect, use, Close. The workflow
// operations hold one only for the duration of a single write.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/flowjson"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested system tag or job does not exist.
var ErrNotFound = errors.New("db: not found")

// prototypeTol is the lattice-family tolerance used when tagging
// structures for storage. Relaxed cells carry numerical noise, so the
// comparison is loose.
const prototypeTol = 1e-2

const (
	driverSQLite = "sqlite"
	driverMySQL  = "mysql"
)

// DB is an open handle to the shared database. It is safe for
// concurrent use.
type DB struct {
	conn   *sql.DB
	driver string
	mu     sync.RWMutex
	closed bool
}

// Connect opens the database named by dsn, creating the schema if it
// does not exist yet.
//
//	catflow.db                          SQLite file in the working directory
//	sqlite:/shared/group/catflow.db     SQLite file, explicit scheme
//	sqlite::memory:                     in-memory SQLite (testing)
//	mysql://user:pw@tcp(host:3306)/cat  MySQL server
func Connect(dsn string) (*DB, error) {
	driver, addr := splitDSN(dsn)
	conn, err := sql.Open(driver, addr)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", driver, err)
	}
	d := &DB{conn: conn, driver: driver}
	ctx := context.Background()
	switch driver {
	case driverSQLite:
		// SQLite supports one writer at a time; WAL keeps readers unblocked.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("db: %s: %w", pragma, err)
			}
		}
	case driverMySQL:
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		conn.SetConnMaxIdleTime(10 * time.Minute)
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("db: ping mysql: %w", err)
		}
	}
	if err := d.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// splitDSN picks the SQL driver for a DSN. Anything without a
// recognized scheme is taken as a SQLite file path.
func splitDSN(dsn string) (driver, addr string) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		return driverMySQL, strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "sqlite://"):
		return driverSQLite, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "sqlite:"):
		return driverSQLite, strings.TrimPrefix(dsn, "sqlite:")
	default:
		return driverSQLite, dsn
	}
}

// migrate creates the schema. Column types are adjusted per backend:
// SQLite and MySQL disagree on autoincrement ids, large text columns
// and index creation syntax.
func (d *DB) migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	text := "TEXT"
	jobIndex := ""
	if d.driver == driverMySQL {
		id = "BIGINT AUTO_INCREMENT PRIMARY KEY"
		text = "MEDIUMTEXT"
		jobIndex = ",\n\t\t\tINDEX idx_jobs_claim (state, priority)"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS systems (
			id %s,
			tag VARCHAR(255) NOT NULL UNIQUE,
			formula VARCHAR(255) NOT NULL,
			natoms INTEGER NOT NULL,
			energy DOUBLE PRECISION,
			structure %s NOT NULL,
			metadata %s NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`, id, text, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trajectories (
			id %s,
			system_id BIGINT NOT NULL,
			step INTEGER NOT NULL,
			structure %s NOT NULL,
			UNIQUE (system_id, step)
		)`, id, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s,
			kind VARCHAR(32) NOT NULL,
			payload %s NOT NULL,
			state VARCHAR(16) NOT NULL,
			priority INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			worker VARCHAR(128) NOT NULL,
			error %s NOT NULL,
			result %s NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL%s
		)`, id, text, text, text, jobIndex),
	}
	if d.driver == driverSQLite {
		stmts = append(stmts,
			"CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (state, priority)")
	}
	for _, stmt := range stmts {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the connection. Calling Close more than once is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close()
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.open(); err != nil {
		return err
	}
	return d.conn.PingContext(ctx)
}

func (d *DB) open() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("db: connection is closed")
	}
	return nil
}

// System is one stored entry: the final image of a relaxation plus the
// bookkeeping the database keeps around it. The full path that led to
// it lives in the trajectories table, see GetTrajectory.
type System struct {
	ID        int64
	Tag       string
	Formula   string
	NAtoms    int
	Energy    float64 // eV; zero when the stored image carries none
	Structure *chem.Structure
	Metadata  map[string]interface{}
	Created   time.Time
	Updated   time.Time
}

// UpdateBulkEntry stores a relaxation result, keyed by the prototype
// tag of its final image. An existing entry with the same tag is
// replaced, stored trajectory included, so re-running a relaxation
// updates the shared entry instead of duplicating it. It returns the
// system id.
func (d *DB) UpdateBulkEntry(ctx context.Context, images []*chem.Structure) (int64, error) {
	if err := d.open(); err != nil {
		return 0, err
	}
	if len(images) == 0 {
		return 0, fmt.Errorf("db: empty trajectory")
	}
	final := images[len(images)-1]
	tag := final.PrototypeTag(prototypeTol)
	structJSON, err := encodeImage(final)
	if err != nil {
		return 0, fmt.Errorf("db: encode final image: %w", err)
	}
	meta := final.Info
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("db: encode metadata: %w", err)
	}
	energy := sql.NullFloat64{}
	if e, eerr := final.Energy(); eerr == nil {
		energy = sql.NullFloat64{Float64: e, Valid: true}
	}
	now := timestamp()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("db: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := "SELECT id FROM systems WHERE tag = ?"
	if d.driver == driverMySQL {
		query += " FOR UPDATE"
	}
	var systemID int64
	err = tx.QueryRowContext(ctx, query, tag).Scan(&systemID)
	switch {
	case err == sql.ErrNoRows:
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`INSERT INTO systems (tag, formula, natoms, energy, structure, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tag, final.Formula(), final.Len(), energy, string(structJSON), string(metaJSON), now, now)
		if err != nil {
			return 0, fmt.Errorf("db: insert system: %w", err)
		}
		systemID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("db: insert system: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("db: select system: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE systems SET formula = ?, natoms = ?, energy = ?, structure = ?, metadata = ?, updated_at = ?
			 WHERE id = ?`,
			final.Formula(), final.Len(), energy, string(structJSON), string(metaJSON), now, systemID)
		if err != nil {
			return 0, fmt.Errorf("db: update system: %w", err)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM trajectories WHERE system_id = ?", systemID)
		if err != nil {
			return 0, fmt.Errorf("db: clear trajectory: %w", err)
		}
	}
	for i, img := range images {
		var stepJSON []byte
		stepJSON, err = encodeImage(img)
		if err != nil {
			return 0, fmt.Errorf("db: encode image %d: %w", i, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO trajectories (system_id, step, structure) VALUES (?, ?, ?)",
			systemID, i, string(stepJSON))
		if err != nil {
			return 0, fmt.Errorf("db: insert trajectory step %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("db: commit: %w", err)
	}
	return systemID, nil
}

// GetSystem retrieves the entry stored under tag. Returns ErrNotFound
// if no system carries it.
func (d *DB) GetSystem(ctx context.Context, tag string) (*System, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, tag, formula, natoms, energy, structure, metadata, created_at, updated_at
		 FROM systems WHERE tag = ?`, tag)
	s, err := scanSystem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: get system %q: %w", tag, err)
	}
	return s, nil
}

// ListSystems returns all stored entries ordered by tag.
func (d *DB) ListSystems(ctx context.Context) ([]*System, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, tag, formula, natoms, energy, structure, metadata, created_at, updated_at
		 FROM systems ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("db: list systems: %w", err)
	}
	defer rows.Close()
	var systems []*System
	for rows.Next() {
		s, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("db: list systems: %w", err)
		}
		systems = append(systems, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: list systems: %w", err)
	}
	return systems, nil
}

// GetTrajectory returns the stored relaxation path of a system, in
// step order. Returns ErrNotFound if the system has no stored path.
func (d *DB) GetTrajectory(ctx context.Context, systemID int64) ([]*chem.Structure, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	rows, err := d.conn.QueryContext(ctx,
		"SELECT structure FROM trajectories WHERE system_id = ? ORDER BY step", systemID)
	if err != nil {
		return nil, fmt.Errorf("db: get trajectory %d: %w", systemID, err)
	}
	defer rows.Close()
	var images []*chem.Structure
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("db: get trajectory %d: %w", systemID, err)
		}
		img, err := decodeImage([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("db: get trajectory %d: %w", systemID, err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: get trajectory %d: %w", systemID, err)
	}
	if len(images) == 0 {
		return nil, ErrNotFound
	}
	return images, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSystem(row scanner) (*System, error) {
	var (
		s       System
		energy  sql.NullFloat64
		rawStr  string
		rawMeta string
		created string
		updated string
	)
	err := row.Scan(&s.ID, &s.Tag, &s.Formula, &s.NAtoms, &energy, &rawStr, &rawMeta, &created, &updated)
	if err != nil {
		return nil, err
	}
	if energy.Valid {
		s.Energy = energy.Float64
	}
	if s.Structure, err = decodeImage([]byte(rawStr)); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawMeta), &s.Metadata); err != nil {
		return nil, err
	}
	if s.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if s.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeImage(S *chem.Structure) ([]byte, error) {
	J, err := flowjson.FromStructure(S)
	if err != nil {
		return nil, err
	}
	return json.Marshal(J)
}

func decodeImage(data []byte) (*chem.Structure, error) {
	var J flowjson.Image
	if err := json.Unmarshal(data, &J); err != nil {
		return nil, err
	}
	return J.Structure()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
