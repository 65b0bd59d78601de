package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

// VerifyIntegrity runs SQLite's built-in self check against the file at path
// without taking write locks. mode "full" runs PRAGMA integrity_check;
// anything else runs the cheaper PRAGMA quick_check. A healthy database
// yields (nil, nil); structural damage comes back as the pragma's diagnostic
// rows.
func VerifyIntegrity(path, mode string) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open read-only: %w", err)
	}
	defer func() { _ = db.Close() }()

	pragma := "PRAGMA quick_check;"
	if mode == "full" {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.Query(pragma)
	if err != nil {
		return nil, fmt.Errorf("sqlite: integrity pragma: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var diagnostics []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("sqlite: scan check row: %w", err)
		}
		diagnostics = append(diagnostics, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The check reports exactly one "ok" row when the file is sound.
	if len(diagnostics) == 1 && strings.EqualFold(diagnostics[0], "ok") {
		return nil, nil
	}
	if len(diagnostics) == 0 {
		return []string{"integrity check returned no rows"}, nil
	}
	return diagnostics, nil
}
