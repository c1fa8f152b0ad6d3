package registry

import "sort"

// Registry is the in-memory worker collection. It has a single owner (the
// daemon loop) and is not safe for concurrent use. Get and Snapshot return
// copies; callers mutate a copy and write it back with Set.
type Registry struct {
	workers map[string]WorkerRecord
}

// New returns a registry holding records. Later duplicates win; use
// Validate on raw documents to detect them.
func New(records ...WorkerRecord) *Registry {
	r := &Registry{workers: make(map[string]WorkerRecord, len(records))}
	for _, rec := range records {
		r.workers[rec.Name] = rec
	}
	return r
}

// Get returns the named record.
func (r *Registry) Get(name string) (WorkerRecord, bool) {
	rec, ok := r.workers[name]
	return rec, ok
}

// Set inserts or replaces a record.
func (r *Registry) Set(rec WorkerRecord) {
	r.workers[rec.Name] = rec
}

// Remove drops the named record and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	if _, ok := r.workers[name]; !ok {
		return false
	}
	delete(r.workers, name)
	return true
}

// Len returns the number of workers.
func (r *Registry) Len() int { return len(r.workers) }

// Names returns worker names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every record sorted by name.
func (r *Registry) Snapshot() []WorkerRecord {
	out := make([]WorkerRecord, 0, len(r.workers))
	for _, name := range r.Names() {
		out = append(out, r.workers[name])
	}
	return out
}

// Clone returns an independent copy.
func (r *Registry) Clone() *Registry {
	return New(r.Snapshot()...)
}

// BranchOwner returns the worker holding branch, if any.
func (r *Registry) BranchOwner(branch string) (string, bool) {
	for name, rec := range r.workers {
		if rec.Branch == branch {
			return name, true
		}
	}
	return "", false
}
