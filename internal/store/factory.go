package store

import "fmt"

// New creates a Store for the configured driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}
