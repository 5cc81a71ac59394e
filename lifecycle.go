package swcache

import (
	"sync"

	"github.com/jhin1m/manga-reader-sd-sub001/cache"

	"github.com/rs/zerolog"
)

// State is a lifecycle state of the engine.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	// StateRedundant marks an instance superseded by a newer version.
	StateRedundant State = "redundant"
)

// UpdateSource reports the latest engine version available to the host,
// e.g. by querying a deployment endpoint.
type UpdateSource interface {
	Latest() (string, error)
}

// Lifecycle drives the engine through install and activate.
// Activation deletes every partition belonging to another version, so at
// steady state only the current version's partitions exist and an entry
// written under old semantics is never read under new ones.
type Lifecycle struct {
	store   cache.Store
	version string
	bridge  *Bridge
	source  UpdateSource
	mutex   sync.Mutex
	state   State
	log     zerolog.Logger
}

func newLifecycle(store cache.Store, version string, bridge *Bridge, source UpdateSource, logger *zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		store:   store,
		version: version,
		bridge:  bridge,
		source:  source,
		state:   StateInstalling,
		log:     *logger,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}

// Install transitions the engine to waiting. Nothing is pre-warmed.
func (l *Lifecycle) Install() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.state != StateInstalling {
		return
	}
	l.state = StateWaiting
	l.log.Debug().Msg("Installed, waiting for activation")
}

// Activate deletes partitions from other versions and claims attached
// clients by broadcasting an activation event on the bridge.
// Deletion failures are logged and absorbed; a partition that survives is
// retried on the next activation.
func (l *Lifecycle) Activate() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	names, err := l.store.Partitions()
	if err != nil {
		l.log.Error().Err(err).Msg("Could not enumerate partitions")
	}
	for _, name := range names {
		if partitionVersion(name) == l.version {
			continue
		}
		l.log.Info().Str("partition", name).Msg("Deleting stale-version partition")
		if err := l.store.DeletePartition(name); err != nil {
			l.log.Error().Err(err).Str("partition", name).Msg("Could not delete partition")
		}
	}

	l.state = StateActive
	l.log.Info().Msg("Activated")
	l.bridge.broadcast(Event{Type: EventActivated, Version: l.version})
}

// MarkRedundant marks this instance as superseded by a newer version.
func (l *Lifecycle) MarkRedundant() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.state = StateRedundant
	l.log.Info().Msg("Marked redundant")
}

// CheckForUpdate asks the update source whether a newer engine version is
// available. When it is, an update event is broadcast so the host can begin
// the install/activate sequence proactively.
func (l *Lifecycle) CheckForUpdate() (bool, string, error) {
	if l.source == nil {
		return false, l.version, nil
	}
	latest, err := l.source.Latest()
	if err != nil {
		return false, "", err
	}
	if latest == "" || latest == l.version {
		return false, l.version, nil
	}
	l.log.Info().Str("latest", latest).Msg("Update available")
	l.bridge.broadcast(Event{Type: EventUpdateAvailable, Version: latest})
	return true, latest, nil
}
