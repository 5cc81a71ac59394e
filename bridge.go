package swcache

import (
	"encoding/json"
	"sync"

	"github.com/jhin1m/manga-reader-sd-sub001/cache"

	"github.com/rs/zerolog"
)

// Commands accepted by the bridge.
const (
	CommandClearCache  = "CLEAR_CACHE"
	CommandCheckUpdate = "CHECK_UPDATE"
)

// Event types broadcast to subscribers.
const (
	EventActivated       = "activated"
	EventUpdateAvailable = "update-available"
)

// Message is a command sent by the hosting application.
type Message struct {
	Command string `json:"command"`
}

// Reply is the response to a Message.
type Reply struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	UpdateAvailable *bool  `json:"updateAvailable,omitempty"`
	Version         string `json:"version,omitempty"`
}

// Event is a structured message relayed from the engine to subscribers.
type Event struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// Bridge exposes cache-clearing and update-check operations to the hosting
// application and relays engine events to subscribed clients.
type Bridge struct {
	store       cache.Store
	lifecycle   *Lifecycle
	mutex       sync.Mutex
	subscribers map[chan Event]struct{}
	log         zerolog.Logger
}

func newBridge(store cache.Store, logger *zerolog.Logger) *Bridge {
	return &Bridge{
		store:       store,
		subscribers: make(map[chan Event]struct{}),
		log:         *logger,
	}
}

// Handle processes a single JSON command message and returns the JSON reply.
// Unknown or malformed messages yield an error reply, never a panic.
func (b *Bridge) Handle(raw []byte) []byte {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return marshalReply(Reply{Error: "malformed message"})
	}
	switch msg.Command {
	case CommandClearCache:
		if err := b.ClearAll(); err != nil {
			b.log.Error().Err(err).Msg("Could not clear cache")
			return marshalReply(Reply{Error: err.Error()})
		}
		return marshalReply(Reply{OK: true})
	case CommandCheckUpdate:
		available, version, err := b.lifecycle.CheckForUpdate()
		if err != nil {
			b.log.Error().Err(err).Msg("Could not check for update")
			return marshalReply(Reply{Error: err.Error()})
		}
		return marshalReply(Reply{OK: true, UpdateAvailable: &available, Version: version})
	default:
		return marshalReply(Reply{Error: "unknown command: " + msg.Command})
	}
}

// ClearAll deletes every known partition, current version included.
// Used on logout so no per-session data survives a sign-out even if an
// exclusion rule was misconfigured.
func (b *Bridge) ClearAll() error {
	names, err := b.store.Partitions()
	if err != nil {
		return err
	}
	for _, name := range names {
		b.log.Info().Str("partition", name).Msg("Clearing partition")
		if err := b.store.DeletePartition(name); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a client for engine events. The returned channel is
// buffered; events are dropped rather than block the engine.
func (b *Bridge) Subscribe() chan Event {
	ch := make(chan Event, 8)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a client registered with Subscribe.
func (b *Bridge) Unsubscribe(ch chan Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.subscribers, ch)
}

func (b *Bridge) broadcast(ev Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func marshalReply(reply Reply) []byte {
	raw, err := json.Marshal(reply)
	if err != nil {
		// Reply contains only marshalable fields
		panic(err)
	}
	return raw
}
