package repository

import (
	"database/sql"
)

// SettingRepositoryInterface defines the settings lookup used by the
// settings service.
type SettingRepositoryInterface interface {
	Get(name string) (value string, found bool, err error)
}

// SettingRepository is the concrete implementation
type SettingRepository struct {
	DB *sql.DB
}

// Get fetches the current value of an active setting by name.
func (r *SettingRepository) Get(name string) (string, bool, error) {
	query := `SELECT current_value FROM settings WHERE name=$1 AND status=1`

	var value string
	if err := r.DB.QueryRow(query, name).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

var _ SettingRepositoryInterface = (*SettingRepository)(nil)
