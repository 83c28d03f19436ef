// Package storage handles database connections, schema migrations, and the
// durable state of the coordinator: blacklist/whitelist membership and the
// append-only alert audit log. The node registry itself is in-memory and
// rebuilt from live re-registrations, so it is deliberately not persisted.
package storage

import (
	"database/sql"
	"time"

	"github.com/poaipnet/beacon/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// AddBlacklist inserts or refreshes a blacklist entry for an IP.
func (r *Repository) AddBlacklist(ip, reason string, at time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO ip_blacklist (ip, reason, added_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason, added_at = excluded.added_at`,
		ip, reason, at)

	return err
}

// RemoveBlacklist deletes a blacklist entry. Removing an unknown IP is not an error.
func (r *Repository) RemoveBlacklist(ip string) error {
	_, err := r.db.Exec(`DELETE FROM ip_blacklist WHERE ip = ?`, ip)
	return err
}

// LoadBlacklist returns all persisted blacklist entries as ip -> reason.
func (r *Repository) LoadBlacklist() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT ip, reason FROM ip_blacklist`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]string)
	for rows.Next() {
		var ip, reason string
		if err := rows.Scan(&ip, &reason); err != nil {
			continue
		}
		entries[ip] = reason
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// AddWhitelist inserts a whitelist entry for an IP.
func (r *Repository) AddWhitelist(ip string, at time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO ip_whitelist (ip, added_at) VALUES (?, ?)
		ON CONFLICT(ip) DO UPDATE SET added_at = excluded.added_at`,
		ip, at)

	return err
}

// LoadWhitelist returns all persisted whitelisted IPs.
func (r *Repository) LoadWhitelist() ([]string, error) {
	rows, err := r.db.Query(`SELECT ip FROM ip_whitelist`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			continue
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ips, nil
}

// AppendAlert writes an alert to the append-only audit log.
func (r *Repository) AppendAlert(a models.Alert) error {
	_, err := r.db.Exec(`
		INSERT INTO alert_audit (id, type, message, raised_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Type, a.Message, a.Timestamp)

	return err
}

// Alerts returns the most recent audit log entries, newest first.
func (r *Repository) Alerts(limit int) ([]models.Alert, error) {
	rows, err := r.db.Query(`
		SELECT id, type, message, raised_at FROM alert_audit
		ORDER BY raised_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.Message, &a.Timestamp); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}

// PruneAlerts deletes audit entries older than the given age and reports how
// many rows were removed. Used by the one-shot maintenance mode.
func (r *Repository) PruneAlerts(olderThan time.Duration) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM alert_audit WHERE raised_at < ?`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
