// ABOUTME: Object catalog: batched existence checks over storage_objects and catalog writes.
// ABOUTME: An undefined catalog table reports ErrCatalogUnavailable instead of failing hard.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrCatalogUnavailable is returned when the storage catalog table does not
// exist in the connected database. Existence is unknown, not false.
var ErrCatalogUnavailable = errors.New("storage catalog unavailable")

// undefinedTable is the Postgres SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// ObjectRef identifies one object by bucket and key.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

const upsertStorageObjectSQL = `
INSERT INTO storage_objects (bucket_id, name, size, content_type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (bucket_id, name) DO UPDATE SET
    size         = COALESCE(EXCLUDED.size, storage_objects.size),
    content_type = COALESCE(EXCLUDED.content_type, storage_objects.content_type),
    updated_at   = now()`

// RecordObject adds or refreshes an object in the catalog.
func (s *Store) RecordObject(ctx context.Context, ref ObjectRef, size int64, contentType string) error {
	var sz *int64
	if size > 0 {
		sz = &size
	}
	if _, err := s.pool.Exec(ctx, upsertStorageObjectSQL, ref.Bucket, ref.Key, sz, nullString(contentType)); err != nil {
		return fmt.Errorf("record object %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	return nil
}

// Two array parameters regardless of batch size, so a full audit stays under
// the protocol's bind-parameter limit.
const objectsExistSQL = `
SELECT c.bucket_id, c.name, (o.name IS NOT NULL) AS present
FROM unnest($1::text[], $2::text[]) AS c(bucket_id, name)
LEFT JOIN storage_objects o
  ON o.bucket_id = c.bucket_id
 AND o.name = c.name`

// ObjectsExist checks every ref against the catalog in one query. Refs with
// an empty bucket or key are ignored. Returns ErrCatalogUnavailable when the
// catalog table is missing.
func (s *Store) ObjectsExist(ctx context.Context, refs []ObjectRef) (map[ObjectRef]bool, error) {
	unique := make(map[ObjectRef]struct{}, len(refs))
	for _, r := range refs {
		if r.Bucket == "" || r.Key == "" {
			continue
		}
		unique[r] = struct{}{}
	}
	out := make(map[ObjectRef]bool, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	pairs := make([]ObjectRef, 0, len(unique))
	for r := range unique {
		pairs = append(pairs, r)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Bucket != pairs[j].Bucket {
			return pairs[i].Bucket < pairs[j].Bucket
		}
		return pairs[i].Key < pairs[j].Key
	})

	buckets := make([]string, len(pairs))
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		buckets[i], keys[i] = p.Bucket, p.Key
	}

	rows, err := s.pool.Query(ctx, objectsExistSQL, buckets, keys)
	if err != nil {
		return nil, existenceErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r       ObjectRef
			present bool
		)
		if err := rows.Scan(&r.Bucket, &r.Key, &present); err != nil {
			return nil, fmt.Errorf("objects exist: scan: %w", err)
		}
		out[r] = present
	}
	if err := rows.Err(); err != nil {
		return nil, existenceErr(err)
	}
	return out, nil
}

func existenceErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return ErrCatalogUnavailable
	}
	return fmt.Errorf("objects exist: %w", err)
}
