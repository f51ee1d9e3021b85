package steptrail

import (
	"time"
)

// Repository is the store normalizer: every load passes through Normalize
// and a migrated document is written back before it is handed out.
type Repository struct {
	backend StateBackend
	now     func() time.Time
	logger  Logger
}

func NewRepository(backend StateBackend, logger Logger, now func() time.Time) *Repository {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	if now == nil {
		now = time.Now
	}
	return &Repository{backend: backend, now: now, logger: logger}
}

func (r *Repository) Load() (*State, error) {
	snapshot, err := r.backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return NewState(), nil
	}
	from := snapshot.SchemaVersion
	if Normalize(snapshot, r.now().UTC()) {
		if r.logger != nil {
			r.logger.Printf("store: migrated schema %d -> %d sessions=%d steps=%d", from, CurrentSchemaVersion, len(snapshot.Sessions), len(snapshot.Steps))
		}
		if err := r.backend.Save(snapshot); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

func (r *Repository) Save(state *State) error {
	if state == nil {
		return nil
	}
	state.SchemaVersion = CurrentSchemaVersion
	return r.backend.Save(state)
}

func (r *Repository) Close() error {
	if closer, ok := r.backend.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}
