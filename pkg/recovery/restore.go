package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// Sources of a registry returned by Open.
const (
	SourceCanonical = "canonical"
	SourceRepaired  = "repaired"
	SourceBackup    = "backup"
	SourceEmpty     = "empty"
)

// ErrRebuildRequired means neither the registry nor its backup could be
// used and the operator has to rebuild from the filesystem.
var ErrRebuildRequired = errors.New("registry and backup are both unusable; run `llmc doctor --rebuild`")

// OpenResult describes how the registry was obtained.
type OpenResult struct {
	Registry    *registry.Registry
	Source      string
	Cause       *protocol.IntegrityError // why the canonical file was not used as-is
	Repairs     []Repair
	Quarantined string // where the unusable canonical file was moved
}

// Dirty reports whether the registry differs from the canonical file and
// should be saved before use.
func (r *OpenResult) Dirty() bool {
	return r.Source == SourceRepaired || len(r.Repairs) > 0
}

// Open loads the registry through every recovery step: a clean load, an
// in-place repair, a restore from backup, and finally a refusal carrying
// ErrRebuildRequired. A missing registry with no backup is a fresh start.
func Open(ctx context.Context, store *registry.Store, now time.Time, head HeadLookup) (*OpenResult, error) {
	reg, err := store.Load()
	if err == nil {
		return &OpenResult{Registry: reg, Source: SourceCanonical}, nil
	}

	var ierr *protocol.IntegrityError
	if !errors.As(err, &ierr) {
		return nil, err
	}
	res := &OpenResult{Cause: ierr}

	if ierr.Repairable() && reg != nil {
		if fixed, repairs, ok := repairAll(ctx, store.Path, reg, ierr, now, head); ok {
			res.Registry, res.Source, res.Repairs = fixed, SourceRepaired, repairs
			return res, nil
		}
	}

	backup, repairs, berr := loadBackup(ctx, store, now, head)
	switch {
	case berr == nil:
		if ierr.Kind != protocol.IntegrityMissing {
			dest, qerr := store.Quarantine()
			if qerr != nil {
				return nil, qerr
			}
			res.Quarantined = dest
		}
		if err := store.Restore(); err != nil {
			return nil, err
		}
		res.Registry, res.Source, res.Repairs = backup, SourceBackup, repairs
		return res, nil

	case ierr.Kind == protocol.IntegrityMissing && isMissing(berr):
		res.Registry, res.Source = registry.New(), SourceEmpty
		return res, nil
	}

	return nil, fmt.Errorf("%w (registry: %v; backup: %v)", ErrRebuildRequired, ierr, berr)
}

// loadBackup loads the backup, repairing it in memory when that is enough.
func loadBackup(ctx context.Context, store *registry.Store, now time.Time, head HeadLookup) (*registry.Registry, []Repair, error) {
	reg, err := store.LoadBackup()
	if err == nil {
		return reg, nil, nil
	}
	var ierr *protocol.IntegrityError
	if errors.As(err, &ierr) && ierr.Repairable() && reg != nil {
		if fixed, repairs, ok := repairAll(ctx, store.BackupPath, reg, ierr, now, head); ok {
			return fixed, repairs, nil
		}
	}
	return nil, nil, err
}

func repairAll(ctx context.Context, path string, reg *registry.Registry, ierr *protocol.IntegrityError,
	now time.Time, head HeadLookup,
) (*registry.Registry, []Repair, bool) {
	fixed := reg.Clone()
	violations := ierr.Violations
	var all []Repair

	// A repair can expose the next check's violations, so run until clean.
	for range 3 {
		repairs, remaining := RepairViolations(ctx, fixed, violations, now, head)
		all = append(all, repairs...)
		if len(remaining) > 0 {
			return nil, nil, false
		}
		next := registry.Validate(path, fixed.Snapshot(), now)
		if next == nil {
			return fixed, all, true
		}
		if !next.Repairable() {
			return nil, nil, false
		}
		violations = next.Violations
	}
	return nil, nil, false
}

func isMissing(err error) bool {
	var ierr *protocol.IntegrityError
	return errors.As(err, &ierr) && ierr.Kind == protocol.IntegrityMissing
}
