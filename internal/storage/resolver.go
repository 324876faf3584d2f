// ABOUTME: Storage Resolver: locates drifted media references and classifies the outcome.
// ABOUTME: Read-only; existence comes from one batched catalog query per Resolve call.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// Reason explains why a reference did not resolve as declared.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonKeyFormatDrift Reason = "key_format_drift"
	ReasonBucketMismatch Reason = "bucket_mismatch"
	ReasonMissingObject  Reason = "missing_object"
	ReasonUnsupported    Reason = "unsupported"
	ReasonManualReview   Reason = "manual_review"
)

// Status is the classification reported to playback and audits.
type Status string

const (
	StatusOK             Status = "ok"
	StatusOKLegacy       Status = "ok_legacy"
	StatusNeedsMigration Status = "needs_migration"
	StatusMissingBytes   Status = "missing_bytes"
	StatusManualReview   Status = "manual_review"
	StatusUnsupported    Status = "unsupported"
	StatusOrphaned       Status = "orphaned"
)

// Action is the remediation recommended for a Status.
type Action string

const (
	ActionKeep             Action = "keep"
	ActionAutoMigrate      Action = "auto_migrate"
	ActionManualReview     Action = "manual_review"
	ActionReuploadRequired Action = "reupload_required"
	ActionSafeToDelete     Action = "safe_to_delete"
)

var reasonStatus = map[Reason]Status{
	ReasonMissingObject:  StatusMissingBytes,
	ReasonBucketMismatch: StatusNeedsMigration,
	ReasonKeyFormatDrift: StatusNeedsMigration,
	ReasonUnsupported:    StatusUnsupported,
	ReasonManualReview:   StatusManualReview,
}

var statusAction = map[Status]Action{
	StatusOK:             ActionKeep,
	StatusOKLegacy:       ActionKeep,
	StatusNeedsMigration: ActionAutoMigrate,
	StatusMissingBytes:   ActionReuploadRequired,
	StatusManualReview:   ActionManualReview,
	StatusUnsupported:    ActionManualReview,
	StatusOrphaned:       ActionSafeToDelete,
}

// StatusFor maps a reason to a status. A clean resolution of a key outside
// the pipeline's media/ layout is ok_legacy.
func StatusFor(reason Reason, legacy bool) Status {
	if s, ok := reasonStatus[reason]; ok {
		return s
	}
	if legacy {
		return StatusOKLegacy
	}
	return StatusOK
}

// ActionFor maps a status to its recommended action. Unknown statuses need
// manual review.
func ActionFor(s Status) Action {
	if a, ok := statusAction[s]; ok {
		return a
	}
	return ActionManualReview
}

// Resolution is the outcome of resolving one declared reference.
type Resolution struct {
	Declared   store.ObjectRef   `json:"declared"`
	Bucket     string            `json:"bucket,omitempty"`
	Key        string            `json:"key,omitempty"`
	Reason     Reason            `json:"reason,omitempty"`
	BytesExist *bool             `json:"bytes_exist"`
	Candidates []store.ObjectRef `json:"candidates"`
	Status     Status            `json:"status"`
	Action     Action            `json:"recommended_action"`
}

// Playable reports whether the resolved pair is known to hold bytes.
func (r Resolution) Playable() bool {
	return r.BytesExist != nil && *r.BytesExist
}

// Orphaned reclassifies r as orphaned: the bytes are not referenced by any
// course or lesson.
func (r *Resolution) Orphaned() {
	r.Status = StatusOrphaned
	r.Action = ActionFor(StatusOrphaned)
}

// Classify picks the best candidate for a declared reference given the
// existence map from the catalog. available=false means the catalog could
// not be read, so existence is unknown and the reference needs review.
func Classify(declared store.ObjectRef, known []string, existence map[store.ObjectRef]bool, available bool) Resolution {
	bucket := NormalizeBucket(declared.Bucket)
	path := NormalizePath(declared.Key)
	res := Resolution{
		Declared:   declared,
		Bucket:     bucket,
		Key:        path,
		Candidates: Candidates(bucket, path, known),
	}
	if res.Candidates == nil {
		res.Candidates = []store.ObjectRef{}
	}

	set := func(b, k string, reason Reason, exists *bool) Resolution {
		res.Bucket, res.Key, res.Reason, res.BytesExist = b, k, reason, exists
		res.Status = StatusFor(reason, !strings.HasPrefix(k, "media/"))
		res.Action = ActionFor(res.Status)
		return res
	}
	yes, no := true, false

	switch {
	case path == "":
		return set(bucket, path, ReasonUnsupported, nil)
	case !available:
		return set(bucket, path, ReasonManualReview, nil)
	}

	if bucket != "" {
		if stripped := stripPrefix(path, bucket); stripped != path && existence[store.ObjectRef{Bucket: bucket, Key: stripped}] {
			return set(bucket, stripped, ReasonKeyFormatDrift, &yes)
		}
		if existence[store.ObjectRef{Bucket: bucket, Key: path}] {
			// Bytes only under the bucket-prefixed key cannot be fixed by
			// rewriting the reference alone.
			if strings.HasPrefix(path, bucket+"/") {
				return set(bucket, path, ReasonManualReview, &yes)
			}
			return set(bucket, path, ReasonNone, &yes)
		}
	}

	head := prefixBucket(path)
	if slices.Contains(known, head) && head != bucket {
		stripped := stripPrefix(path, head)
		if existence[store.ObjectRef{Bucket: head, Key: stripped}] {
			return set(head, stripped, ReasonBucketMismatch, &yes)
		}
		if existence[store.ObjectRef{Bucket: head, Key: path}] {
			return set(head, path, ReasonBucketMismatch, &yes)
		}
	}

	return set(bucket, path, ReasonMissingObject, &no)
}

// Catalog answers batched object-existence queries.
type Catalog interface {
	ObjectsExist(ctx context.Context, refs []store.ObjectRef) (map[store.ObjectRef]bool, error)
}

// Resolver resolves declared references against a Catalog.
type Resolver struct {
	catalog     Catalog
	buckets     []string
	resolutions *prometheus.CounterVec
	logger      *slog.Logger
}

// NewResolver creates a Resolver. An empty bucket list uses DefaultBuckets.
// The storage_resolutions_total counter is registered with reg.
func NewResolver(catalog Catalog, buckets []string, reg prometheus.Registerer, logger *slog.Logger) *Resolver {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog: catalog,
		buckets: buckets,
		resolutions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "storage_resolutions_total",
			Help: "Storage reference resolutions by outcome status.",
		}, []string{"status"}),
		logger: logger,
	}
}

// Resolutions exposes the outcome counter for tests.
func (r *Resolver) Resolutions() *prometheus.CounterVec { return r.resolutions }

// Resolve resolves one declared reference.
func (r *Resolver) Resolve(ctx context.Context, declared store.ObjectRef) (Resolution, error) {
	out, err := r.ResolveAll(ctx, []store.ObjectRef{declared})
	if err != nil {
		return Resolution{}, err
	}
	return out[0], nil
}

// ResolveAll resolves many references with a single existence query covering
// every candidate. Results are in input order.
func (r *Resolver) ResolveAll(ctx context.Context, declared []store.ObjectRef) ([]Resolution, error) {
	var refs []store.ObjectRef
	for _, d := range declared {
		refs = append(refs, Candidates(d.Bucket, d.Key, r.buckets)...)
	}

	available := true
	existence, err := r.catalog.ObjectsExist(ctx, refs)
	switch {
	case errors.Is(err, store.ErrCatalogUnavailable):
		r.logger.Warn("storage catalog unavailable, resolutions need review", "references", len(declared))
		available = false
	case err != nil:
		return nil, fmt.Errorf("resolve storage references: %w", err)
	}

	out := make([]Resolution, len(declared))
	for i, d := range declared {
		out[i] = Classify(d, r.buckets, existence, available)
		r.resolutions.WithLabelValues(string(out[i].Status)).Inc()
		if out[i].Status != StatusOK && out[i].Status != StatusOKLegacy {
			r.logger.Info("storage reference needs attention",
				"bucket", d.Bucket, "path", d.Key,
				"status", out[i].Status, "reason", out[i].Reason)
		}
	}
	return out, nil
}
