package synckit

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// DefaultExcludedFields are sync bookkeeping fields. They describe the sync
// state of a record rather than its content and never produce a conflict.
var DefaultExcludedFields = []string{"lastSyncedAt", "syncVersion", "isDirty"}

// conflictNamespace seeds the name-based conflict ids.
var conflictNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("go-sync-resolve/conflict"))

// Field conflict confidence levels.
const (
	confidencePresence  = 0.7
	confidenceKeyLike   = 0.5
	confidenceContainer = 0.6
	confidenceScalar    = 0.9
)

// DetectInput carries one entity's two versions.
type DetectInput struct {
	EntityID      string
	Collection    string
	LocalData     map[string]any
	RemoteData    map[string]any
	LocalVersion  int64
	RemoteVersion int64
	Priority      types.Priority
	Tags          []string
}

type detectorOptions struct {
	excluded  []string
	threshold float64
	clock     func() time.Time
	logger    *logging.Logger
	metrics   MetricsCollector
}

// DetectorOption configures a Detector.
type DetectorOption interface{ apply(*detectorOptions) }

type detectorOptionFn func(*detectorOptions)

func (f detectorOptionFn) apply(o *detectorOptions) { f(o) }

// WithExcludedFields replaces the bookkeeping field list.
func WithExcludedFields(fields ...string) DetectorOption {
	return detectorOptionFn(func(o *detectorOptions) { o.excluded = append([]string(nil), fields...) })
}

// WithManualThreshold sets the confidence below which conflicts need review.
func WithManualThreshold(t float64) DetectorOption {
	return detectorOptionFn(func(o *detectorOptions) { o.threshold = t })
}

// WithClock overrides the detection time source.
func WithClock(now func() time.Time) DetectorOption {
	return detectorOptionFn(func(o *detectorOptions) { o.clock = now })
}

// WithDetectorLogger sets the detector's logger.
func WithDetectorLogger(l *logging.Logger) DetectorOption {
	return detectorOptionFn(func(o *detectorOptions) { o.logger = l })
}

// WithDetectorMetrics sets the detector's metrics collector.
func WithDetectorMetrics(m MetricsCollector) DetectorOption {
	return detectorOptionFn(func(o *detectorOptions) { o.metrics = m })
}

// Detector compares two versions of a record field by field. It is safe for
// concurrent use and never mutates the maps it is given.
type Detector struct {
	excluded  map[string]struct{}
	threshold float64
	clock     func() time.Time
	logger    *logging.Logger
	metrics   MetricsCollector
}

// NewDetector creates a Detector.
func NewDetector(opts ...DetectorOption) *Detector {
	cfg := &detectorOptions{
		excluded:  DefaultExcludedFields,
		threshold: types.DefaultManualThreshold,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetricsCollector{}
	}
	excluded := make(map[string]struct{}, len(cfg.excluded))
	for _, f := range cfg.excluded {
		excluded[f] = struct{}{}
	}
	return &Detector{
		excluded:  excluded,
		threshold: cfg.threshold,
		clock:     cfg.clock,
		logger:    cfg.logger.WithComponent("detector"),
		metrics:   cfg.metrics,
	}
}

// Detect returns the conflict between the two versions, or nil when there is
// none. Equal versions are never a conflict, and neither is a version bump
// without a content difference.
func (d *Detector) Detect(in DetectInput) (*types.Conflict, error) {
	if strings.TrimSpace(in.EntityID) == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpDetect, "entityId", fmt.Errorf("entity id is required"))
	}
	if strings.TrimSpace(in.Collection) == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpDetect, "collection", fmt.Errorf("collection is required"))
	}
	if in.LocalVersion == in.RemoteVersion {
		return nil, nil
	}

	fields := make(map[string]types.FieldConflict)
	for _, name := range d.fieldUnion(in.LocalData, in.RemoteData) {
		lv, lok := in.LocalData[name]
		rv, rok := in.RemoteData[name]
		if lok == rok && values.Equal(lv, rv) {
			continue
		}
		if values.IsNil(lv) && values.IsNil(rv) {
			continue
		}
		fields[name] = d.fieldConflict(name, lv, rv)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	detectedAt := d.clock()
	c := &types.Conflict{
		ConflictID:      conflictID(in.Collection, in.EntityID, detectedAt),
		EntityID:        in.EntityID,
		Collection:      in.Collection,
		LocalData:       values.CopyMap(in.LocalData),
		RemoteData:      values.CopyMap(in.RemoteData),
		FieldConflicts:  fields,
		LocalVersion:    in.LocalVersion,
		RemoteVersion:   in.RemoteVersion,
		Priority:        in.Priority,
		DetectedAt:      detectedAt,
		Tags:            append([]string(nil), in.Tags...),
		ManualThreshold: d.threshold,
	}
	d.metrics.RecordDetection(c.Collection, len(fields))
	d.logger.Debug("conflict detected", logging.ConflictAttrs(c))
	return c, nil
}

func (d *Detector) fieldUnion(local, remote map[string]any) []string {
	seen := make(map[string]struct{}, len(local)+len(remote))
	var names []string
	for _, m := range []map[string]any{local, remote} {
		for name := range m {
			if _, skip := d.excluded[name]; skip {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

func (d *Detector) fieldConflict(name string, local, remote any) types.FieldConflict {
	kind, reason := Classify(name, local, remote)
	return types.FieldConflict{
		FieldName:           name,
		ConflictType:        kind,
		LocalValue:          values.Copy(local),
		RemoteValue:         values.Copy(remote),
		ConfidenceScore:     fieldConfidence(name, local, remote),
		PossibleResolutions: PossibleResolutions(local, remote),
		SemanticReason:      reason,
	}
}

// Classify assigns the conflict kind of one differing field. Kinds are
// checked in precedence order and the first match wins.
func Classify(name string, local, remote any) (types.ConflictType, string) {
	lk, rk := values.KindOf(local), values.KindOf(remote)
	switch {
	case lk != values.Null && rk != values.Null && lk != rk:
		return types.TypeMismatch, fmt.Sprintf("local value is %s, remote value is %s", lk, rk)
	case lk == values.Null:
		return types.RemoteOnly, ""
	case rk == values.Null:
		return types.LocalOnly, ""
	case isReferenceName(name):
		return types.ReferenceConflict, fmt.Sprintf("%s references another entity", name)
	case lk == values.Bool && isStateFlagName(name):
		return types.SemanticConflict, fmt.Sprintf("state flag %s is %v locally and %v remotely", name, local, remote)
	case lk == values.List:
		return types.ArrayElementConflict, ""
	case lk == values.Map:
		return types.StructuralConflict, ""
	default:
		return types.ValueDifference, ""
	}
}

// PossibleResolutions lists the field strategies applicable to the pair.
func PossibleResolutions(local, remote any) []types.FieldStrategy {
	out := []types.FieldStrategy{types.UseLocal, types.UseRemote}
	lk, rk := values.KindOf(local), values.KindOf(remote)
	if lk != rk {
		return out
	}
	switch lk {
	case values.List:
		out = append(out, types.MergeArrays)
	case values.Map:
		out = append(out, types.MergeObjects)
	case values.String:
		out = append(out, types.Concatenate)
	case values.Number:
		out = append(out, types.Max, types.Min, types.Average)
	}
	return out
}

func fieldConfidence(name string, local, remote any) float64 {
	lk, rk := values.KindOf(local), values.KindOf(remote)
	switch {
	case lk == values.Null || rk == values.Null:
		return confidencePresence
	case isKeyLikeName(name):
		return confidenceKeyLike
	case lk == values.List || lk == values.Map || rk == values.List || rk == values.Map:
		return confidenceContainer
	default:
		return confidenceScalar
	}
}

func isReferenceName(name string) bool {
	lower := strings.ToLower(name)
	return lower != "id" && strings.HasSuffix(lower, "id")
}

func isKeyLikeName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, "id") || strings.HasSuffix(lower, "key")
}

func isStateFlagName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range []string{"active", "deleted", "dirty"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// conflictID is stable for one detection of one entity and unique across
// detections at different instants.
func conflictID(collection, entityID string, at time.Time) string {
	name := collection + "/" + entityID + "/" + strconv.FormatInt(at.UnixNano(), 10)
	return uuid.NewSHA1(conflictNamespace, []byte(name)).String()
}

// logAttrs is used by callers that log a detection input without a conflict.
func (in DetectInput) logAttrs() slog.Attr {
	return slog.Group("input",
		slog.String("collection", in.Collection),
		slog.String("entity_id", in.EntityID),
		slog.Int64("local_version", in.LocalVersion),
		slog.Int64("remote_version", in.RemoteVersion),
	)
}
