package proc

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"podpub/internal/app/podpub/podcast"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS shows (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    author TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    link TEXT NOT NULL,
    language TEXT NOT NULL,
    image TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    explicit INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS episodes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    show_id TEXT NOT NULL REFERENCES shows(id),
    id TEXT NOT NULL,
    guid TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    audio_path TEXT NOT NULL,
    enclosure_url TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    byte_length INTEGER NOT NULL,
    duration INTEGER NOT NULL,
    published_at TEXT NOT NULL,
    status INTEGER NOT NULL,
    UNIQUE (show_id, id)
);
`

const episodeColumns = `seq, show_id, id, guid, title, description, audio_path, enclosure_url,
    mime_type, byte_length, duration, published_at, status`

// SQLite catalog, usable by several processes sharing one database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and ensures the schema
func NewSQLite(path string) (*SQLite, error) {
	log.Printf("[INFO] sqlite (persistent) store, %s", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// SaveShow upserts show metadata, version column is left alone
func (s *SQLite) SaveShow(show *podcast.Show) error {
	_, err := s.db.Exec(`
INSERT INTO shows (id, user_id, title, description, author, email, link, language, image, category, explicit)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    user_id = excluded.user_id, title = excluded.title, description = excluded.description,
    author = excluded.author, email = excluded.email, link = excluded.link, language = excluded.language,
    image = excluded.image, category = excluded.category, explicit = excluded.explicit`,
		show.ID, show.UserID, show.Title, show.Description, show.Author, show.Email, show.Link,
		show.Language, show.Image, show.Category, boolToInt(show.Explicit))
	if err != nil {
		return fmt.Errorf("save show %s: %w", show.ID, err)
	}
	log.Printf("[DEBUG] save show %s - %s", show.ID, show.Title)
	return nil
}

// GetShow returns show by id
func (s *SQLite) GetShow(showID string) (*podcast.Show, error) {
	row := s.db.QueryRow(`SELECT id, user_id, title, description, author, email, link, language, image, category, explicit, version
FROM shows WHERE id = ?`, showID)
	show, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &podcast.NotFoundError{Kind: "show", Key: showID}
	}
	return show, err
}

// ListShows returns all shows ordered by id
func (s *SQLite) ListShows() ([]*podcast.Show, error) {
	rows, err := s.db.Query(`SELECT id, user_id, title, description, author, email, link, language, image, category, explicit, version
FROM shows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*podcast.Show
	for rows.Next() {
		show, err := scanShow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, show)
	}
	return result, rows.Err()
}

// FindEpisodesByStatus returns episodes of a show in ingestion order
func (s *SQLite) FindEpisodesByStatus(showID string, status podcast.Status) ([]*podcast.Episode, error) {
	if _, err := s.GetShow(showID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+episodeColumns+` FROM episodes WHERE show_id = ? AND status = ? ORDER BY seq`,
		showID, int(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*podcast.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// EpisodeExists tells whether the show has an episode with this id
func (s *SQLite) EpisodeExists(showID, episodeID string) (bool, error) {
	if _, err := s.GetShow(showID); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM episodes WHERE show_id = ? AND id = ?`, showID, episodeID).Scan(&n)
	return n > 0, err
}

// StageEpisode inserts a pending episode, seq comes from the autoincrement key
func (s *SQLite) StageEpisode(e *podcast.Episode) error {
	if _, err := s.GetShow(e.ShowID); err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO episodes (show_id, id, guid, title, description, audio_path, enclosure_url,
    mime_type, byte_length, duration, published_at, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ShowID, e.ID, e.GUID, e.Title, e.Description, e.AudioPath, e.EnclosureURL, e.MimeType,
		e.ByteLength, e.DurationSeconds, e.PublishedAt.UTC().Format(time.RFC3339Nano), int(podcast.Pending))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return &podcast.ConflictError{ShowID: e.ShowID, EpisodeID: e.ID}
		}
		return fmt.Errorf("stage episode %s: %w", e.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	log.Printf("[INFO] stage episode %s - %s - %s - %d", e.ID, e.ShowID, e.AudioPath, e.ByteLength)
	e.Seq, e.Status = seq, podcast.Pending
	return nil
}

// CommitEpisode publishes a pending episode and bumps the show version in one transaction
func (s *SQLite) CommitEpisode(showID, episodeID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() // nolint

	res, err := tx.Exec(`UPDATE episodes SET status = ? WHERE show_id = ? AND id = ? AND status = ?`,
		int(podcast.Published), showID, episodeID, int(podcast.Pending))
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, s.missingPending(tx, showID, episodeID)
	}

	var version int64
	if err := tx.QueryRow(`UPDATE shows SET version = version + 1 WHERE id = ? RETURNING version`, showID).Scan(&version); err != nil {
		return 0, fmt.Errorf("bump version of %s: %w", showID, err)
	}
	return version, tx.Commit()
}

// DiscardEpisode removes a pending episode
func (s *SQLite) DiscardEpisode(showID, episodeID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint

	res, err := tx.Exec(`DELETE FROM episodes WHERE show_id = ? AND id = ? AND status = ?`, showID, episodeID, int(podcast.Pending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return s.missingPending(tx, showID, episodeID)
	}
	log.Printf("[INFO] discard episode %s - %s", episodeID, showID)
	return tx.Commit()
}

// Close the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) missingPending(tx *sql.Tx, showID, episodeID string) error {
	var status int
	err := tx.QueryRow(`SELECT status FROM episodes WHERE show_id = ? AND id = ?`, showID, episodeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &podcast.NotFoundError{Kind: "episode", Key: episodeID}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("episode %s of %s is %s, not pending", episodeID, showID, podcast.Status(status))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShow(row scanner) (*podcast.Show, error) {
	show := &podcast.Show{}
	var explicit int
	err := row.Scan(&show.ID, &show.UserID, &show.Title, &show.Description, &show.Author, &show.Email,
		&show.Link, &show.Language, &show.Image, &show.Category, &explicit, &show.Version)
	if err != nil {
		return nil, err
	}
	show.Explicit = explicit == 1
	return show, nil
}

func scanEpisode(row scanner) (*podcast.Episode, error) {
	e := &podcast.Episode{}
	var published string
	var status int
	err := row.Scan(&e.Seq, &e.ShowID, &e.ID, &e.GUID, &e.Title, &e.Description, &e.AudioPath, &e.EnclosureURL,
		&e.MimeType, &e.ByteLength, &e.DurationSeconds, &published, &status)
	if err != nil {
		return nil, err
	}
	if e.PublishedAt, err = time.Parse(time.RFC3339Nano, published); err != nil {
		return nil, fmt.Errorf("episode %s has bad published_at %q: %w", e.ID, published, err)
	}
	e.Status = podcast.Status(status)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
