package db

import "time"

// HistoryCLI reads poll history straight from the database file, for use
// while the service is down or from another process.
func HistoryCLI(dbPath, device string, limit int) ([]PollResult, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()
	return GetRecentPollResults(dbConn, device, limit)
}

// PruneCLI removes history older than keep.
func PruneCLI(dbPath string, keep time.Duration) (int64, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer dbConn.Close()
	return PruneBefore(dbConn, time.Now().Add(-keep))
}

// CommandsCLI reads the most recent logged commands.
func CommandsCLI(dbPath string, limit int) ([]Command, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()
	return GetRecentCommands(dbConn, limit)
}

// CountsCLI returns the number of stored frames per device.
func CountsCLI(dbPath string) (map[string]int, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()
	return CountPollResults(dbConn)
}
