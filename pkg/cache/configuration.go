package cache

import (
	"database/sql"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MemoryConfiguration selects the in-memory index.
type MemoryConfiguration struct {
	MaximumEntries         int    `json:"maximumEntries"`
	CacheReplacementPolicy string `json:"cacheReplacementPolicy"`
}

// SQLiteConfiguration selects the index stored in the build database.
type SQLiteConfiguration struct {
	MaximumEntries int `json:"maximumEntries"`
}

// Configuration of the step cache index. Exactly one of the fields
// must be set.
type Configuration struct {
	Memory *MemoryConfiguration `json:"memory"`
	SQLite *SQLiteConfiguration `json:"sqlite"`
}

// NewIndexFromConfiguration creates an Index based on parameters
// provided in a configuration file. The database is only used by the
// SQLite backend, and may be nil otherwise.
func NewIndexFromConfiguration(configuration *Configuration, db *sql.DB, function digest.Function) (Index, error) {
	var index Index
	switch {
	case configuration.Memory != nil:
		if configuration.Memory.MaximumEntries <= 0 {
			return nil, status.Error(codes.InvalidArgument, "Memory index must have a positive maximum number of entries")
		}
		evictionSet, err := eviction.NewSetFromConfiguration[digest.Digest](configuration.Memory.CacheReplacementPolicy)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to create eviction set")
		}
		index = NewMemoryIndex(function, configuration.Memory.MaximumEntries, eviction.NewMetricsSet(evictionSet, "StepCache"))
	case configuration.SQLite != nil:
		if db == nil {
			return nil, status.Error(codes.InvalidArgument, "SQLite index requires a database")
		}
		index = NewSQLiteIndex(db, function, clock.SystemClock, configuration.SQLite.MaximumEntries)
	default:
		return nil, status.Error(codes.InvalidArgument, "No step cache index configured")
	}
	return NewMetricsIndex(index, "StepCache"), nil
}
