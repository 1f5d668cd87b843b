package layer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
)

type sqliteGraph struct {
	db *sql.DB
}

// NewSQLiteGraph creates a Layer Graph that is persisted in a SQLite
// database, so that layers survive restarts of the build service. The
// database must have been opened using database.Open().
//
// Layers are stored alongside their blob, meaning that the graph can be
// reconstructed without consulting the Content Store.
func NewSQLiteGraph(db *sql.DB) Graph {
	return &sqliteGraph{db: db}
}

func (g *sqliteGraph) Add(ctx context.Context, l *Layer) (ID, error) {
	blob, err := GetBlob(l)
	if err != nil {
		return digest.BadDigest, err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.Internal, "Failed to start transaction")
	}
	defer tx.Rollback()

	var parent sql.NullString
	if l.Parent != nil {
		parent = sql.NullString{String: l.Parent.String(), Valid: true}
		var present int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM layers WHERE id = ?`, parent.String).Scan(&present); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return digest.BadDigest, newDanglingParentError(l)
			}
			return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to look up parent of layer %s", l.ID)
		}
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO layers (id, parent, step_fingerprint, blob) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		l.ID.String(), parent, l.StepFingerprint.String(), blob,
	); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to insert layer %s", l.ID)
	}
	if err := tx.Commit(); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to commit layer %s", l.ID)
	}
	return l.ID, nil
}

func scanLayer(id ID, stepFingerprint string, blob []byte) (*Layer, error) {
	fingerprint, err := digest.NewDigestFromString(stepFingerprint)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid step fingerprint for layer %s", id)
	}
	return NewLayerFromBlob(id, fingerprint, blob)
}

func (g *sqliteGraph) Get(ctx context.Context, id ID) (*Layer, error) {
	var stepFingerprint string
	var blob []byte
	if err := g.db.QueryRowContext(ctx, `SELECT step_fingerprint, blob FROM layers WHERE id = ?`, id.String()).Scan(&stepFingerprint, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newLayerNotFoundError(id)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to look up layer %s", id)
	}
	return scanLayer(id, stepFingerprint, blob)
}

func (g *sqliteGraph) Ancestors(ctx context.Context, id ID) ([]*Layer, error) {
	return GetAncestors(ctx, g, id)
}

func (g *sqliteGraph) Children(ctx context.Context, id ID) (IDSet, error) {
	if _, err := g.Get(ctx, id); err != nil {
		return digest.EmptySet, err
	}
	rows, err := g.db.QueryContext(ctx, `SELECT id FROM layers WHERE parent = ?`, id.String())
	if err != nil {
		return digest.EmptySet, util.StatusWrapfWithCode(err, codes.Internal, "Failed to look up children of layer %s", id)
	}
	defer rows.Close()

	children := digest.NewSetBuilder()
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return digest.EmptySet, util.StatusWrapWithCode(err, codes.Internal, "Failed to scan layer")
		}
		d, err := digest.NewDigestFromString(child)
		if err != nil {
			return digest.EmptySet, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid ID of child of layer %s", id)
		}
		children.Add(d)
	}
	if err := rows.Err(); err != nil {
		return digest.EmptySet, util.StatusWrapWithCode(err, codes.Internal, "Failed to iterate layers")
	}
	return children.Build(), nil
}

func (g *sqliteGraph) Walk(ctx context.Context, fn func(l *Layer) error) error {
	// Collect all layers before invoking the callback, as the
	// connection pool only permits a single connection. The
	// callback may call back into the graph.
	rows, err := g.db.QueryContext(ctx, `SELECT id, step_fingerprint, blob FROM layers`)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to list layers")
	}
	var layers []*Layer
	for rows.Next() {
		var id, stepFingerprint string
		var blob []byte
		if err := rows.Scan(&id, &stepFingerprint, &blob); err != nil {
			rows.Close()
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to scan layer")
		}
		d, err := digest.NewDigestFromString(id)
		if err != nil {
			rows.Close()
			return util.StatusWrapWithCode(err, codes.DataLoss, "Invalid layer ID")
		}
		l, err := scanLayer(d, stepFingerprint, blob)
		if err != nil {
			rows.Close()
			return err
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to iterate layers")
	}
	rows.Close()

	for _, l := range layers {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}
