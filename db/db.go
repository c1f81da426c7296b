package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	apperrors "github.com/nijaru/yt-audit/errors"
	"github.com/nijaru/yt-audit/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var DB *sql.DB

// ErrNotFound is returned when no report is stored for a video URL.
var ErrNotFound error = apperrors.NotFound("db", nil, "Report not found")

func InitializeDB(dbPath string) error {
	logrus.WithField("path", dbPath).Info("Initializing database")

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "error creating directory for database")
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "error opening database")
	}

	DB.SetMaxOpenConns(10)
	DB.SetMaxIdleConns(5)
	DB.SetConnMaxLifetime(30 * time.Minute)

	_, err = DB.Exec(`CREATE TABLE IF NOT EXISTS reports (
		video_url     TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		audio_path    TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		upload_url    TEXT NOT NULL DEFAULT '',
		polling_url   TEXT NOT NULL DEFAULT '',
		summary       TEXT NOT NULL DEFAULT '',
		payload       TEXT,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	)`)
	if err != nil {
		DB.Close()
		return errors.Wrap(err, "error creating table")
	}

	return nil
}

func withTx(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "error beginning transaction")
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return 0, errors.Wrap(err, "error preparing statement")
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		tx.Rollback()
		return 0, errors.Wrap(err, "error executing statement")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "error committing transaction")
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// SaveReport inserts or replaces the report for r.VideoURL. CreatedAt is kept
// from the first save.
func SaveReport(ctx context.Context, r *models.SavedReport) error {
	now := time.Now().UTC()
	_, err := withTx(ctx, `INSERT INTO reports
		(video_url, title, audio_path, thumbnail_url, upload_url, polling_url, summary, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_url) DO UPDATE SET
			title=excluded.title,
			audio_path=excluded.audio_path,
			thumbnail_url=excluded.thumbnail_url,
			upload_url=excluded.upload_url,
			polling_url=excluded.polling_url,
			summary=excluded.summary,
			payload=excluded.payload,
			updated_at=excluded.updated_at`,
		r.VideoURL, r.Title, r.AudioPath, r.ThumbnailURL, r.UploadURL, r.PollingURL,
		r.Summary, string(r.Payload), now, now)
	if err != nil {
		logrus.WithError(err).WithField("url", r.VideoURL).Error("Failed to save report")
	}
	return err
}

const selectColumns = `video_url, title, audio_path, thumbnail_url, upload_url, polling_url, summary, payload, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row scanner) (*models.SavedReport, error) {
	var (
		r       models.SavedReport
		payload sql.NullString
	)
	err := row.Scan(&r.VideoURL, &r.Title, &r.AudioPath, &r.ThumbnailURL, &r.UploadURL,
		&r.PollingURL, &r.Summary, &payload, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	return &r, nil
}

func GetReport(ctx context.Context, videoURL string) (*models.SavedReport, error) {
	row := DB.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM reports WHERE video_url = ?", videoURL)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "error querying database")
	}
	return r, nil
}

// ListReports returns the most recently updated reports first. A limit of
// zero or less returns all of them.
func ListReports(ctx context.Context, limit int) ([]*models.SavedReport, error) {
	query := "SELECT " + selectColumns + " FROM reports ORDER BY updated_at DESC, video_url"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error querying database")
	}
	defer rows.Close()

	reports := []*models.SavedReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, "error scanning report")
		}
		reports = append(reports, r)
	}
	return reports, errors.Wrap(rows.Err(), "error iterating reports")
}

func DeleteReport(ctx context.Context, videoURL string) error {
	n, err := withTx(ctx, "DELETE FROM reports WHERE video_url = ?", videoURL)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
