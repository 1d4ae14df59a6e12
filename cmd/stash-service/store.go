package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	errDuplicatePath = errors.New("file path already recorded")
	errArchiveExists = errors.New("archive already registered for tag key")
	errEmptyTagSet   = errors.New("tag set is empty")
)

func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS image_tags (
			image_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			UNIQUE(image_id, tag)
		);
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS archives (
			tag_key TEXT NOT NULL,
			format TEXT NOT NULL,
			file_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(tag_key, format)
		);
	`); err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *store) Close() error {
	return s.db.Close()
}

// AddImage records one image and its tag set in a single transaction.
// The images.file_path unique index makes re-adding the same path report
// errDuplicatePath, which callers treat as an idempotent no-op.
func (s *store) AddImage(filePath string, tags []string) (string, error) {
	tags = normalizeTags(strings.Join(tags, " "))
	if len(tags) == 0 {
		return "", errEmptyTagSet
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	err := withSQLiteRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(
			`INSERT INTO images (id, file_path, created_at) VALUES (?, ?, ?)`,
			id, filePath, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO image_tags (image_id, tag) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, tag := range tags {
			if _, err := stmt.Exec(id, tag); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if isUniqueViolation(err) {
		return "", errDuplicatePath
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// FindImages returns the file paths whose tag sets satisfy the query.
// matchAll requires every query tag to be present as a whole token, which
// the INTERSECT of exact-equality selects enforces; substring matches
// never qualify.
func (s *store) FindImages(tags []string, match string) ([]string, error) {
	tags = normalizeTags(strings.Join(tags, " "))
	if len(tags) == 0 {
		return []string{}, nil
	}

	var query string
	args := make([]any, 0, len(tags))
	if match == matchAny {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(tags)), ",")
		query = fmt.Sprintf(`
			SELECT DISTINCT i.file_path FROM images i
			JOIN image_tags t ON t.image_id = i.id
			WHERE t.tag IN (%s)`, placeholders)
		for _, tag := range tags {
			args = append(args, tag)
		}
	} else {
		single := `SELECT i.file_path FROM images i JOIN image_tags t ON t.image_id = i.id WHERE t.tag = ?`
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			parts = append(parts, single)
			args = append(args, tag)
		}
		query = strings.Join(parts, " INTERSECT ")
	}

	items := make([]string, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			items = append(items, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(items)
	return items, nil
}

// ListImages is FindImages plus each image's full tag set, for the API.
func (s *store) ListImages(tags []string, match string) ([]imageRecord, error) {
	paths, err := s.FindImages(tags, match)
	if err != nil {
		return nil, err
	}
	records := make([]imageRecord, 0, len(paths))
	for _, p := range paths {
		var rec imageRecord
		err := withSQLiteRetry(func() error {
			if err := s.db.QueryRow(`SELECT id, file_path FROM images WHERE file_path = ?`, p).
				Scan(&rec.ID, &rec.FilePath); err != nil {
				return err
			}
			rows, err := s.db.Query(`SELECT tag FROM image_tags WHERE image_id = ? ORDER BY tag`, rec.ID)
			if err != nil {
				return err
			}
			defer rows.Close()
			rec.Tags = make([]string, 0, 8)
			for rows.Next() {
				var tag string
				if err := rows.Scan(&tag); err != nil {
					return err
				}
				rec.Tags = append(rec.Tags, tag)
			}
			return rows.Err()
		})
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *store) FindArchive(tagKey, format string) (string, bool, error) {
	var path string
	found := false
	err := withSQLiteRetry(func() error {
		err := s.db.QueryRow(
			`SELECT file_path FROM archives WHERE tag_key = ? AND format = ?`,
			tagKey, format,
		).Scan(&path)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return path, found, err
}

// RegisterArchive claims the (tag_key, format) slot. The unique index makes
// the claim atomic: a second writer for the same key gets errArchiveExists
// and must discard its own build.
func (s *store) RegisterArchive(tagKey, format, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := withSQLiteRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO archives (tag_key, format, file_path, created_at) VALUES (?, ?, ?, ?)`,
			tagKey, format, filePath, time.Now().UTC().Format(time.RFC3339),
		)
		return err
	})
	if isUniqueViolation(err) {
		return errArchiveExists
	}
	return err
}

// RemoveArchive releases a (tag_key, format) slot again. Only the archive
// builder calls it, to back out its own registration when moving the built
// file into place fails.
func (s *store) RemoveArchive(tagKey, format string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(
			`DELETE FROM archives WHERE tag_key = ? AND format = ?`,
			tagKey, format,
		)
		return err
	})
}

func (s *store) AllTags() ([]tagCount, error) {
	items := make([]tagCount, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(`
			SELECT tag, COUNT(image_id) as tag_count
			FROM image_tags
			GROUP BY tag
			ORDER BY tag_count DESC, tag ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tc tagCount
			if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
				return err
			}
			items = append(items, tc)
		}
		return rows.Err()
	})
	return items, err
}
