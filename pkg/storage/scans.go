package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultListLimit = 20
	maxListLimit     = 500
	busyRetries      = 3
)

// ScanRecord is the summary row of a stored scan.
type ScanRecord struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Host       string        `json:"host"`
	Engine     string        `json:"engine,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Aborted    bool          `json:"aborted"`
	Error      string        `json:"error,omitempty"`
	Summary    check.Summary `json:"summary"`
}

// SaveScan stores a scan and its results in one transaction.
func (s *Store) SaveScan(ctx context.Context, scan *orchestrator.Scan) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if scan == nil || scan.ID == "" {
		return gserrors.New(gserrors.ErrCodeInvalidInput, "scan id is required")
	}

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = s.saveScan(ctx, scan)
		if !isBusyError(err) {
			break
		}
		select {
		case <-ctx.Done():
			return gserrors.Wrap(ctx.Err(), gserrors.ErrCodeStorageWrite, "save scan")
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		if isConstraintError(err) {
			return gserrors.Wrap(err, gserrors.ErrCodeStorageWrite, "scan already stored").WithContext("scan_id", scan.ID)
		}
		return gserrors.Wrap(err, gserrors.ErrCodeStorageWrite, "save scan").WithContext("scan_id", scan.ID)
	}

	s.notify(newEvent(EventScanSaved, scan.ID, map[string]any{
		"url":     scan.URL,
		"results": resultCount(scan),
	}))
	return nil
}

func (s *Store) saveScan(ctx context.Context, scan *orchestrator.Scan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var results []check.Result
	if scan.Results != nil {
		results = scan.Results.Results()
	}
	summary := check.Summarize(results)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (id, url, host, engine, started_at, finished_at, aborted, error,
			total, passed, failed, warnings, errors, skipped, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.URL, hostOf(scan.URL), scan.Engine,
		formatTime(scan.StartedAt), formatTime(scan.FinishedAt),
		scan.Aborted, scan.Error,
		summary.Total, summary.Passed, summary.Failed, summary.Warnings, summary.Errors, summary.Skipped,
		summary.ComplianceScore,
	)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_results (scan_id, position, check_id, check_name, status, severity,
			details, remediation, evidence, checked_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range results {
		var evidence sql.NullString
		if len(r.Evidence) > 0 {
			data, err := json.Marshal(r.Evidence)
			if err != nil {
				return gserrors.Wrap(err, gserrors.ErrCodeStorageWrite, "encode evidence").WithContext("check_id", r.CheckID)
			}
			evidence = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			scan.ID, i, r.CheckID, r.CheckName, string(r.Status), string(r.Severity),
			r.Details, r.Remediation, evidence, formatTime(r.Timestamp), int64(r.Duration),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetScan loads a stored scan with its results in their original order.
func (s *Store) GetScan(ctx context.Context, id string) (*orchestrator.Scan, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, host, engine, started_at, finished_at, aborted, error,
			total, passed, failed, warnings, errors, skipped, score
		FROM scans WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gserrors.Newf(gserrors.ErrCodeStorageNotFound, "scan %s not found", id).WithContext("scan_id", id)
	}
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "load scan").WithContext("scan_id", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT check_id, check_name, status, severity, details, remediation, evidence, checked_at, duration_ns
		FROM scan_results WHERE scan_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "load scan results").WithContext("scan_id", id)
	}
	defer rows.Close()

	set := check.NewResultSet()
	for rows.Next() {
		var (
			r          check.Result
			status     string
			severity   string
			evidence   sql.NullString
			checkedAt  string
			durationNS int64
		)
		if err := rows.Scan(&r.CheckID, &r.CheckName, &status, &severity, &r.Details, &r.Remediation,
			&evidence, &checkedAt, &durationNS); err != nil {
			return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "scan result row")
		}
		r.Status = check.Status(status)
		r.Severity = check.Severity(severity)
		r.Timestamp = parseTime(checkedAt)
		r.Duration = time.Duration(durationNS)
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &r.Evidence); err != nil {
				return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "decode evidence").WithContext("check_id", r.CheckID)
			}
		}
		if err := set.Add(r); err != nil {
			return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "rebuild result set")
		}
	}
	if err := rows.Err(); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "load scan results")
	}

	return &orchestrator.Scan{
		ID:         rec.ID,
		URL:        rec.URL,
		Engine:     rec.Engine,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Aborted:    rec.Aborted,
		Error:      rec.Error,
		Summary:    set.Summary(),
		Results:    set,
	}, nil
}

// ListScans returns the most recent scans, newest first. target filters by
// exact URL when it has a scheme, by host otherwise; empty lists everything.
func (s *Store) ListScans(ctx context.Context, target string, limit int) ([]ScanRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, url, host, engine, started_at, finished_at, aborted, error,
		total, passed, failed, warnings, errors, skipped, score FROM scans`
	var args []any
	target = strings.TrimSpace(target)
	switch {
	case target == "":
	case strings.Contains(target, "://"):
		query += ` WHERE url = ?`
		args = append(args, target)
	default:
		query += ` WHERE host = ?`
		args = append(args, strings.ToLower(target))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "list scans")
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "scan row")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeStorageRead, "list scans")
	}
	return out, nil
}

// DeleteScan removes a scan and its results.
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return gserrors.Wrap(err, gserrors.ErrCodeStorageWrite, "delete scan").WithContext("scan_id", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return gserrors.Newf(gserrors.ErrCodeStorageNotFound, "scan %s not found", id).WithContext("scan_id", id)
	}
	s.notify(newEvent(EventScanDeleted, id, nil))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ScanRecord, error) {
	var (
		rec      ScanRecord
		started  string
		finished string
	)
	err := row.Scan(&rec.ID, &rec.URL, &rec.Host, &rec.Engine, &started, &finished, &rec.Aborted, &rec.Error,
		&rec.Summary.Total, &rec.Summary.Passed, &rec.Summary.Failed, &rec.Summary.Warnings,
		&rec.Summary.Errors, &rec.Summary.Skipped, &rec.Summary.ComplianceScore)
	if err != nil {
		return ScanRecord{}, err
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return rec, nil
}

func resultCount(scan *orchestrator.Scan) int {
	if scan.Results == nil {
		return 0
	}
	return scan.Results.Len()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
