package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetRecentPollResults returns up to limit results, newest first. An empty
// device returns results for every device.
func GetRecentPollResults(db *sql.DB, device string, limit int) ([]PollResult, error) {
	query := `SELECT id, device_id, ts, success, data, error, error_kind FROM poll_results`
	args := []any{}
	if device != "" {
		query += ` WHERE device_id = ?`
		args = append(args, device)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll results: %w", err)
	}
	defer rows.Close()

	results := []PollResult{}
	for rows.Next() {
		var r PollResult
		var ts float64
		var data, errText, kind sql.NullString
		if err := rows.Scan(&r.ID, &r.Device, &ts, &r.Success, &data, &errText, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan poll result: %w", err)
		}
		r.Timestamp = fromEpoch(ts)
		r.Error = errText.String
		r.ErrorKind = kind.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of poll result %d: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetRecentCommands returns up to limit logged commands, newest first.
func GetRecentCommands(db *sql.DB, limit int) ([]Command, error) {
	rows, err := db.Query(`SELECT id, request_id, device_id, action, ts, success, error, source FROM command_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	commands := []Command{}
	for rows.Next() {
		var c Command
		var ts float64
		var rid, dev, errText sql.NullString
		if err := rows.Scan(&c.ID, &rid, &dev, &c.Action, &ts, &c.Success, &errText, &c.Source); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		c.RequestID, c.Device, c.Error = rid.String, dev.String, errText.String
		c.Timestamp = fromEpoch(ts)
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// CountPollResults returns the number of stored results per device.
func CountPollResults(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT device_id, COUNT(*) FROM poll_results GROUP BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count poll results: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
