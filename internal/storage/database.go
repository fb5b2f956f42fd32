// Package storage persists decoded uplink traffic to SQLite. It backs the
// "pkt" service type: an optional local sink for packet summaries, enabled
// through the gateway configuration.
package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "storage: open database error")
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "storage: migrate database error")
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Decoded uplink frames
	CREATE TABLE IF NOT EXISTS uplinks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev_addr TEXT,
		dev_eui TEXT,
		fport INTEGER,
		mtype TEXT,
		freq_hz INTEGER NOT NULL,
		modulation TEXT NOT NULL,
		datarate TEXT NOT NULL,
		rssi REAL,
		snr REAL,
		crc_status TEXT NOT NULL,
		count_us INTEGER NOT NULL,
		size INTEGER NOT NULL,
		payload_hex TEXT NOT NULL,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_uplinks_dev_addr ON uplinks(dev_addr);
	CREATE INDEX IF NOT EXISTS idx_uplinks_received_at ON uplinks(received_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// InsertUplink stores one decoded uplink and returns its row id.
func (db *DB) InsertUplink(u *Uplink) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO uplinks (dev_addr, dev_eui, fport, mtype, freq_hz,
			modulation, datarate, rssi, snr, crc_status, count_us, size,
			payload_hex, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.DevAddr, u.DevEUI, u.FPort, u.MType, u.FreqHz,
		u.Modulation, u.Datarate, u.RSSI, u.SNR, u.CRCStatus, u.CountUs,
		u.Size, u.PayloadHex, u.ReceivedAt)
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert uplink error")
	}
	return res.LastInsertId()
}

// RecentUplinks returns the latest rows, newest first.
func (db *DB) RecentUplinks(limit int) ([]*Uplink, error) {
	rows, err := db.conn.Query(`
		SELECT id, dev_addr, dev_eui, fport, mtype, freq_hz,
			modulation, datarate, rssi, snr, crc_status, count_us, size,
			payload_hex, received_at
		FROM uplinks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query uplinks error")
	}
	defer rows.Close()

	var out []*Uplink
	for rows.Next() {
		var u Uplink
		if err := rows.Scan(&u.ID, &u.DevAddr, &u.DevEUI, &u.FPort,
			&u.MType, &u.FreqHz, &u.Modulation, &u.Datarate, &u.RSSI, &u.SNR,
			&u.CRCStatus, &u.CountUs, &u.Size, &u.PayloadHex, &u.ReceivedAt); err != nil {
			return nil, errors.Wrap(err, "storage: scan uplink error")
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CountUplinks returns the total number of stored rows.
func (db *DB) CountUplinks() (int64, error) {
	var n int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM uplinks`).Scan(&n)
	return n, err
}

// PruneUplinksBefore deletes rows received before the cutoff and returns
// how many went away.
func (db *DB) PruneUplinksBefore(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM uplinks WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "storage: prune uplinks error")
	}
	return res.RowsAffected()
}
