package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ibackupfs/ibackupfs/internal/nskeyed"
)

// sentinelSkip is the Files.flags value the source backup format uses
// for rows that are neither a file nor a folder (most likely symlinks).
// spec.md §9 resolves the ambiguity as "skip, but still parse the row's
// MBFile so Target survives for a future reader".
const sentinelSkip = 4

// Ingest scans the Files table (ordered by domain, relativePath so every
// parent directory is visited before its children) and builds the inode
// tree. A row whose BLOB cannot be parsed as an MBFile aborts ingestion
// with a diagnostic, per spec.md §4.5's eager-parse contract.
func Ingest(ctx context.Context, db *sql.DB) (*Tree, error) {
	rows, err := db.QueryContext(ctx, `SELECT fileID, domain, relativePath, flags, file FROM Files ORDER BY domain, relativePath`)
	if err != nil {
		return nil, fmt.Errorf("manifest: query Files table: %w", err)
	}
	defer rows.Close()

	t := New()
	for rows.Next() {
		var fileID, domain, relPath string
		var flags int64
		var blob []byte
		if err := rows.Scan(&fileID, &domain, &relPath, &flags, &blob); err != nil {
			return nil, fmt.Errorf("manifest: scan Files row: %w", err)
		}

		mb, err := nskeyed.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("manifest: decode row %s/%s: %w", domain, relPath, err)
		}

		if flags == sentinelSkip {
			slog.Warn("skipping row with sentinel flag", "domain", domain, "path", relPath, "target", mb.Target)
			continue
		}

		var ft FileType
		switch flags {
		case 1:
			ft = File
		case 2:
			ft = Folder
		default:
			return nil, fmt.Errorf("manifest: row %s/%s has invalid flags %d", domain, relPath, flags)
		}

		id, err := ParseRawID(fileID)
		if err != nil {
			return nil, fmt.Errorf("manifest: row %s/%s: %w", domain, relPath, err)
		}

		if err := t.Insert(domain, relPath, id, ft); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: iterate Files table: %w", err)
	}

	return t, nil
}
