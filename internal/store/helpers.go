package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// collectTurnsNewestFirst scans rows ordered newest-first and returns them in
// chronological order, the shape GenAI context builders want.
func collectTurnsNewestFirst(rows *sql.Rows) ([]models.Turn, error) {
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
