// ABOUTME: Media doctor: audits every declared media reference against the storage catalog.
// ABOUTME: Produces a JSON-serializable report with per-status totals; never modifies data.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// ReportEntry is the audit outcome for one declared reference.
type ReportEntry struct {
	AssetID    uuid.UUID  `json:"media_asset_id"`
	Kind       string     `json:"kind"`
	Resolution Resolution `json:"resolution"`
}

// Report is the result of an audit.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Totals      map[Status]int `json:"totals"`
	Entries     []ReportEntry  `json:"entries"`
}

// Audit resolves refs in one batch. Playable bytes that no course or lesson
// references are reported as orphaned. Only entries that need attention are
// listed; Totals covers everything.
func (r *Resolver) Audit(ctx context.Context, refs []store.MediaReference) (Report, error) {
	declared := make([]store.ObjectRef, len(refs))
	for i, ref := range refs {
		declared[i] = ref.Ref
	}
	rep := Report{
		GeneratedAt: time.Now().UTC(),
		Total:       len(refs),
		Totals:      map[Status]int{},
		Entries:     []ReportEntry{},
	}
	if len(refs) == 0 {
		return rep, nil
	}

	resolved, err := r.ResolveAll(ctx, declared)
	if err != nil {
		return Report{}, fmt.Errorf("audit media references: %w", err)
	}
	for i, res := range resolved {
		if res.Playable() && !refs[i].Referenced {
			res.Orphaned()
		}
		rep.Totals[res.Status]++
		if res.Status != StatusOK {
			rep.Entries = append(rep.Entries, ReportEntry{AssetID: refs[i].AssetID, Kind: refs[i].Kind, Resolution: res})
		}
	}
	return rep, nil
}
