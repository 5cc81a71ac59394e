package cache

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Evictor bounds the number of entries per partition.
// Partitions without a configured limit are left alone.
type Evictor struct {
	store Store
	max   map[string]int
	log   zerolog.Logger
}

// NewEvictor creates an evictor enforcing the given per-partition entry limits.
// The global zerolog logger is used if logger is nil.
func NewEvictor(store Store, max map[string]int, logger *zerolog.Logger) *Evictor {
	if logger == nil {
		logger = &log.Logger
	}
	limits := make(map[string]int, len(max))
	for partition, limit := range max {
		limits[partition] = limit
	}
	return &Evictor{
		store: store,
		max:   limits,
		log:   *logger,
	}
}

// Enforce deletes the oldest entries in the partition until its entry count
// is within the configured limit. Calling it on a compliant partition is a
// no-op beyond the enumeration cost.
func (e *Evictor) Enforce(partition string) error {
	limit, ok := e.max[partition]
	if !ok {
		return nil
	}
	keys, err := e.store.Keys(partition)
	if err != nil {
		return xerrors.Errorf("could not enumerate partition %s: %w", partition, err)
	}
	if len(keys) <= limit {
		return nil
	}
	evict := keys[:len(keys)-limit]
	e.log.Debug().
		Str("partition", partition).
		Int("count", len(keys)).
		Int("max", limit).
		Int("evicting", len(evict)).
		Msg("Evicting oldest entries")
	for _, key := range evict {
		if err := e.store.Delete(partition, key); err != nil {
			return xerrors.Errorf("could not evict %s: %w", key, err)
		}
	}
	return nil
}
