package cache

import (
	"context"
	"database/sql"
	"errors"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
)

type sqliteIndex struct {
	db             *sql.DB
	function       digest.Function
	clock          clock.Clock
	maximumEntries int
}

// NewSQLiteIndex creates an Index that is persisted in a SQLite
// database. The database must have been opened using database.Open().
// If maximumEntries is positive, the least recently used entries are
// removed when the index grows beyond that size.
func NewSQLiteIndex(db *sql.DB, function digest.Function, clock clock.Clock, maximumEntries int) Index {
	return &sqliteIndex{
		db:             db,
		function:       function,
		clock:          clock,
		maximumEntries: maximumEntries,
	}
}

func (ix *sqliteIndex) Lookup(ctx context.Context, key Key) (layer.ID, bool, error) {
	cacheKey := key.GetDigest(ix.function).String()
	var layerID string
	if err := ix.db.QueryRowContext(ctx, `SELECT layer_id FROM cache_entries WHERE cache_key = ?`, cacheKey).Scan(&layerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return digest.BadDigest, false, nil
		}
		return digest.BadDigest, false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to look up cache key %s", key)
	}
	id, err := digest.NewDigestFromString(layerID)
	if err != nil {
		return digest.BadDigest, false, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid layer ID for cache key %s", key)
	}
	if _, err := ix.db.ExecContext(ctx, `UPDATE cache_entries SET last_used = ? WHERE cache_key = ?`, ix.clock.Now().UnixNano(), cacheKey); err != nil {
		return digest.BadDigest, false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to update usage of cache key %s", key)
	}
	return id, true, nil
}

func (ix *sqliteIndex) Record(ctx context.Context, key Key, id layer.ID) error {
	if _, err := ix.db.ExecContext(
		ctx,
		`INSERT INTO cache_entries (cache_key, layer_id, last_used) VALUES (?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET layer_id = excluded.layer_id, last_used = excluded.last_used`,
		key.GetDigest(ix.function).String(), id.String(), ix.clock.Now().UnixNano(),
	); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to record cache key %s", key)
	}
	if ix.maximumEntries > 0 {
		if _, err := ix.db.ExecContext(
			ctx,
			`DELETE FROM cache_entries WHERE cache_key IN (
				SELECT cache_key FROM cache_entries ORDER BY last_used DESC LIMIT -1 OFFSET ?
			)`,
			ix.maximumEntries,
		); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to evict cache entries")
		}
	}
	return nil
}
