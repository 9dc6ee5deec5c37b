package db

import (
	"database/sql"
	"fmt"
	"time"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func InsertPollResultWithTx(tx *sql.Tx, r PollResult) error {
	var data any
	if r.Data != nil {
		data = marshalJSON(r.Data)
	}
	_, err := tx.Exec(`INSERT INTO poll_results (device_id, ts, success, data, error, error_kind) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Device, toEpoch(r.Timestamp), r.Success, data, nullable(r.Error), nullable(r.ErrorKind))
	if err != nil {
		return fmt.Errorf("insert poll result for %s: %w", r.Device, err)
	}
	return nil
}

// InsertPollResults writes a batch in one transaction.
func InsertPollResults(db *sql.DB, results []PollResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := InsertPollResultWithTx(tx, r); err != nil {
			RollbackTransaction(tx)
			return err
		}
	}
	return CommitTransaction(tx)
}

func InsertCommand(db *sql.DB, c Command) error {
	_, err := db.Exec(`INSERT INTO command_log (request_id, device_id, action, ts, success, error, source) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(c.RequestID), nullable(c.Device), c.Action, toEpoch(c.Timestamp), c.Success, nullable(c.Error), c.Source)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", c.Action, err)
	}
	return nil
}

// PruneBefore deletes poll results and commands older than cutoff and
// returns the number of rows removed.
func PruneBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, table := range []string{"poll_results", "command_log"} {
		res, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE ts < ?`, table), toEpoch(cutoff))
		if err != nil {
			RollbackTransaction(tx)
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, CommitTransaction(tx)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
