// Package analyticaldb drives the per-worldline embedded analytical
// database: one DuckDB file per worldline, read-only attachment of external
// sources by alias, file-copy cloning for worldline branches, and
// event-keyed snapshotting for historical forks. Ported line-for-line from
// original_source/backend/duckdb_manager.py.
package analyticaldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// Driver resolves worldline/snapshot file paths under a data root and opens
// DuckDB connections against them.
type Driver struct {
	dataRoot string
}

// New returns a Driver rooted at dataRoot (mirrors meta.DB_DIR).
func New(dataRoot string) *Driver {
	return &Driver{dataRoot: dataRoot}
}

// WorldlineDBPath is the deterministic path for a worldline's analytical DB.
func (d *Driver) WorldlineDBPath(worldlineID string) string {
	return filepath.Join(d.dataRoot, "worldlines", worldlineID, "state.duckdb")
}

// SnapshotDBPath is the deterministic path for an event-keyed snapshot.
func (d *Driver) SnapshotDBPath(worldlineID, eventID string) string {
	return filepath.Join(d.dataRoot, "snapshots", worldlineID, eventID+".duckdb")
}

// WorkspacePath is the directory a worldline's sandbox executions write
// artifact files into, mirroring duckdb_manager.py's sibling
// meta.DB_DIR/worldlines/<id>/workspace layout used by artifact_merger.py.
func (d *Driver) WorkspacePath(worldlineID string) string {
	return filepath.Join(d.dataRoot, "worldlines", worldlineID, "workspace")
}

// EnsureWorldlineDB creates (if absent) and returns the path to a worldline's
// analytical DB file.
func (d *Driver) EnsureWorldlineDB(worldlineID string) (string, error) {
	path := d.WorldlineDBPath(worldlineID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir worldline db dir: %w", err)
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return "", fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		return "", fmt.Errorf("ping duckdb: %w", err)
	}
	return path, nil
}

// ExternalSource describes one row of the _external_sources metadata table.
type ExternalSource struct {
	Alias  string
	DBPath string
}

// AttachResult records the outcome of attempting to re-attach one external
// source.
type AttachResult struct {
	Alias    string
	DBPath   string
	Attached bool
	Error    string
}

func quoteIdentifier(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func metadataTableExists(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	var exists int
	err := conn.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ? LIMIT 1`,
		table,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func loadExternalSources(ctx context.Context, conn *sql.Conn) ([]ExternalSource, error) {
	ok, err := metadataTableExists(ctx, conn, "_external_sources")
	if err != nil || !ok {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT alias, db_path FROM _external_sources WHERE db_type = 'duckdb' ORDER BY attached_at DESC, alias ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ExternalSource
	for rows.Next() {
		var s ExternalSource
		if err := rows.Scan(&s.Alias, &s.DBPath); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReattachExternalSources re-attaches every recorded external DuckDB source
// read-only, restricted to allowedAliases when non-nil (nil means "attach
// everything recorded"). Attach definitions are session-scoped in DuckDB so
// this must run on every freshly opened connection.
func (d *Driver) ReattachExternalSources(ctx context.Context, conn *sql.Conn, allowedAliases []string) ([]AttachResult, error) {
	var allowed map[string]bool
	if allowedAliases != nil {
		allowed = make(map[string]bool, len(allowedAliases))
		for _, a := range allowedAliases {
			if trimmed := strings.TrimSpace(a); trimmed != "" {
				allowed[trimmed] = true
			}
		}
	}

	sources, err := loadExternalSources(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("load external sources: %w", err)
	}

	var results []AttachResult
	for _, source := range sources {
		if allowed != nil && !allowed[source.Alias] {
			continue
		}
		if _, statErr := os.Stat(source.DBPath); statErr != nil {
			results = append(results, AttachResult{Alias: source.Alias, DBPath: source.DBPath, Error: "database file missing"})
			continue
		}
		stmt := fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quoteLiteral(source.DBPath), quoteIdentifier(source.Alias))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			results = append(results, AttachResult{Alias: source.Alias, DBPath: source.DBPath, Error: err.Error()})
			continue
		}
		results = append(results, AttachResult{Alias: source.Alias, DBPath: source.DBPath, Attached: true})
	}
	return results, nil
}

// Column describes one result column of a read query.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ReadResult is the shape of a successful tools.sql response.
type ReadResult struct {
	Columns      []Column `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowCount     int      `json:"row_count"`
	PreviewCount int      `json:"preview_count"`
}

// ExecuteRead opens worldlineID's analytical DB, re-attaches permitted
// external sources, and runs sql, truncating the returned rows to limit while
// still reporting the true row count.
func (d *Driver) ExecuteRead(ctx context.Context, worldlineID, sqlText string, limit int, allowedExternalAliases []string) (*ReadResult, error) {
	path, err := d.EnsureWorldlineDB(worldlineID)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire duckdb conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := d.ReattachExternalSources(ctx, conn, allowedExternalAliases); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	columns := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	var allRows [][]any
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		allRows = append(allRows, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	preview := allRows
	if len(preview) > limit {
		preview = preview[:limit]
	}

	return &ReadResult{
		Columns:      columns,
		Rows:         preview,
		RowCount:     len(allRows),
		PreviewCount: len(preview),
	}, nil
}

// Clone file-copies source's analytical DB into target's, used for head
// forks. If the source DB doesn't exist yet, an empty DB is created for
// target instead.
func (d *Driver) Clone(sourceWorldlineID, targetWorldlineID string) (string, error) {
	sourcePath := d.WorldlineDBPath(sourceWorldlineID)
	return d.cloneFromFile(sourcePath, targetWorldlineID)
}

func (d *Driver) cloneFromFile(sourcePath, targetWorldlineID string) (string, error) {
	targetPath := d.WorldlineDBPath(targetWorldlineID)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir target db dir: %w", err)
	}
	if _, err := os.Stat(sourcePath); err == nil {
		if err := copyFile(sourcePath, targetPath); err != nil {
			return "", fmt.Errorf("copy worldline db: %w", err)
		}
		return targetPath, nil
	}
	return d.EnsureWorldlineDB(targetWorldlineID)
}

// Snapshot copies worldlineID's current analytical DB to a snapshot file
// keyed by eventID, materializing the starting DB for a historical branch.
func (d *Driver) Snapshot(worldlineID, eventID string) (string, error) {
	sourcePath, err := d.EnsureWorldlineDB(worldlineID)
	if err != nil {
		return "", err
	}
	targetPath := d.SnapshotDBPath(worldlineID, eventID)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	if err := copyFile(sourcePath, targetPath); err != nil {
		return "", fmt.Errorf("copy snapshot: %w", err)
	}
	return targetPath, nil
}

// CloneFromSnapshot materializes targetWorldlineID's starting DB from a
// previously captured snapshot file — used for historical (non-head) forks.
func (d *Driver) CloneFromSnapshot(snapshotPath, targetWorldlineID string) (string, error) {
	return d.cloneFromFile(snapshotPath, targetWorldlineID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}
