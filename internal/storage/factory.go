package storage

import (
	"fmt"
	"time"

	"gatekeeper/internal/models"
)

// Config holds the backend-neutral settings handed to store constructors.
type Config struct {
	Type string

	// Path is used by the file store.
	Path string

	// ConnectionString is used by the sqlite and postgres stores.
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// CleanupInterval controls how often expired keys are physically removed.
	// Zero disables the sweeper; expired keys stay invisible regardless.
	CleanupInterval time.Duration

	// Now overrides the clock used for expiry. Tests only.
	Now func() time.Time
}

// Factory provides a centralized way to create stores from configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// ConfigFrom converts the service configuration into a store Config.
func ConfigFrom(sc models.StoreConfig) Config {
	return Config{
		Type:             sc.Type,
		Path:             sc.Path,
		ConnectionString: sc.Database.DSN,
		MaxOpenConns:     sc.Database.MaxOpenConns,
		MaxIdleConns:     sc.Database.MaxIdleConns,
		ConnMaxLifetime:  sc.Database.ConnMaxLifetime,
		RedisAddr:        sc.Redis.Addr,
		RedisPassword:    sc.Redis.Password,
		RedisDB:          sc.Redis.DB,
		RedisPoolSize:    sc.Redis.PoolSize,
		CleanupInterval:  sc.CleanupInterval,
	}
}

// Create instantiates a store based on the provided configuration.
// Supported providers:
//   - memory: in-process map (development, tests, single instance)
//   - file: memory store with a JSON snapshot on disk
//   - redis: shared store for multi-instance deployments
//   - postgres: PostgreSQL table with TTL column
//   - sqlite: SQLite table with TTL column
func (f *Factory) Create(config models.StoreConfig) (Store, error) {
	sc := ConfigFrom(config)

	switch config.Type {
	case models.StoreTypeMemory:
		return NewMemoryStore(sc), nil
	case models.StoreTypeFile:
		return NewFileStore(sc)
	case models.StoreTypeRedis:
		return NewRedisStore(sc)
	case models.StoreTypePostgres:
		return NewPostgresStore(sc)
	case models.StoreTypeSQLite:
		return NewSQLiteStore(sc)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported store types
func (f *Factory) GetSupportedProviders() []string {
	return []string{
		models.StoreTypeMemory,
		models.StoreTypeFile,
		models.StoreTypeRedis,
		models.StoreTypePostgres,
		models.StoreTypeSQLite,
	}
}
