package image

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type sqliteCatalog struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteCatalog creates a Catalog that is persisted in a SQLite
// database. The database must have been opened using database.Open().
func NewSQLiteCatalog(db *sql.DB, clock clock.Clock) Catalog {
	return &sqliteCatalog{
		db:    db,
		clock: clock,
	}
}

func (c *sqliteCatalog) Put(ctx context.Context, reference string, id digest.Digest) error {
	if _, err := c.db.ExecContext(
		ctx,
		`INSERT INTO images (reference, image_id, created) VALUES (?, ?, ?)
		 ON CONFLICT (reference) DO UPDATE SET image_id = excluded.image_id, created = excluded.created`,
		reference, id.String(), c.clock.Now().Unix(),
	); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to store image reference %#v", reference)
	}
	return nil
}

func (c *sqliteCatalog) Get(ctx context.Context, reference string) (digest.Digest, error) {
	var imageID string
	if err := c.db.QueryRowContext(ctx, `SELECT image_id FROM images WHERE reference = ?`, reference).Scan(&imageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return digest.BadDigest, status.Errorf(codes.NotFound, "Image reference %#v not found", reference)
		}
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to look up image reference %#v", reference)
	}
	id, err := digest.NewDigestFromString(imageID)
	if err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid image ID for reference %#v", reference)
	}
	return id, nil
}

func (c *sqliteCatalog) Delete(ctx context.Context, reference string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM images WHERE reference = ?`, reference); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to delete image reference %#v", reference)
	}
	return nil
}

func (c *sqliteCatalog) List(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT reference, image_id, created FROM images ORDER BY reference`)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to list images")
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var reference, imageID string
		var created int64
		if err := rows.Scan(&reference, &imageID, &created); err != nil {
			return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to scan image")
		}
		id, err := digest.NewDigestFromString(imageID)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid image ID for reference %#v", reference)
		}
		entries = append(entries, CatalogEntry{
			Reference: reference,
			ImageID:   id,
			Created:   time.Unix(created, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to iterate images")
	}
	return entries, nil
}
