package restore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"
)

// SQLiteVerifyResult is the outcome of a PRAGMA integrity_check run
// against a restored sqlite database file.
type SQLiteVerifyResult struct {
	OK     bool
	Output []string
}

// defaultSQLiteSnapshotName is used for the vaultwarden job kind,
// which never varies its database file name.
const defaultSQLiteSnapshotName = "db.sqlite3"

// SQLiteSnapshotName resolves the database file name a run's sqlite
// or vaultwarden source backed up, read out of the run's summary
// JSON via gjson rather than a hand-written nested-map walk (§4.6).
func SQLiteSnapshotName(summary []byte, jobKind string) string {
	if name := gjson.GetBytes(summary, "sqlite.snapshot_name").String(); name != "" {
		return name
	}
	if jobKind == "vaultwarden" {
		return defaultSQLiteSnapshotName
	}
	return ""
}

// VerifySQLiteIntegrity opens path read-only with a private cache and
// runs PRAGMA integrity_check; ok holds iff the pragma returns
// exactly one row equal to "ok" (§4.6).
func VerifySQLiteIntegrity(path string) (*SQLiteVerifyResult, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&cache=private&immutable=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("restore: opening sqlite database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("restore: running integrity_check: %w", err)
	}
	defer rows.Close()

	var output []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("restore: reading integrity_check row: %w", err)
		}
		output = append(output, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("restore: iterating integrity_check rows: %w", err)
	}

	ok := len(output) == 1 && output[0] == "ok"
	return &SQLiteVerifyResult{OK: ok, Output: output}, nil
}
