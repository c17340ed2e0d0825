package db

import (
	"fmt"

	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
)

// NewDialer picks the backend named by database.driver.
func NewDialer(cfg config.DatabaseConfig) (Dialer, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		return NewMongoDialer(cfg), nil
	case config.DriverPostgres:
		return NewPostgresDialer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
