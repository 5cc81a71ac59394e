package swcache

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jhin1m/manga-reader-sd-sub001/cache"
)

func handleMessage(t *testing.T, bridge *Bridge, command string) Reply {
	t.Helper()
	raw := bridge.Handle([]byte(`{"command":"` + command + `"}`))
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("Malformed reply: %s", raw)
	}
	return reply
}

func TestClearCacheCommand(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	store := cache.NewMemoryStore()
	engine := New(Config{Store: store})
	mw := engine.Middleware(handler)

	get(mw, "/api/genres")
	get(mw, "/assets/app.js")
	if names, _ := store.Partitions(); len(names) != 2 {
		t.Fatalf("Partitions are %v", names)
	}

	reply := handleMessage(t, engine.Bridge(), CommandClearCache)

	if !reply.OK {
		t.Fatalf("Reply is %+v", reply)
	}
	if names, _ := store.Partitions(); len(names) != 0 {
		t.Fatalf("Partitions not cleared: %v", names)
	}
}

type stubUpdateSource struct {
	latest string
	err    error
}

func (s stubUpdateSource) Latest() (string, error) {
	return s.latest, s.err
}

func TestCheckUpdateCommand(t *testing.T) {
	engine := New(Config{Version: "v1", UpdateSource: stubUpdateSource{latest: "v2"}})
	ch := engine.Bridge().Subscribe()
	defer engine.Bridge().Unsubscribe(ch)

	reply := handleMessage(t, engine.Bridge(), CommandCheckUpdate)

	if !reply.OK || reply.UpdateAvailable == nil || !*reply.UpdateAvailable {
		t.Fatalf("Reply is %+v", reply)
	}
	if reply.Version != "v2" {
		t.Fatalf("Version is %s", reply.Version)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventUpdateAvailable || ev.Version != "v2" {
			t.Fatalf("Event is %+v", ev)
		}
	default:
		t.Fatal("No event received")
	}
}

func TestCheckUpdateCommandUpToDate(t *testing.T) {
	engine := New(Config{Version: "v1", UpdateSource: stubUpdateSource{latest: "v1"}})

	reply := handleMessage(t, engine.Bridge(), CommandCheckUpdate)

	if !reply.OK || reply.UpdateAvailable == nil || *reply.UpdateAvailable {
		t.Fatalf("Reply is %+v", reply)
	}
}

func TestCheckUpdateCommandWithoutSource(t *testing.T) {
	engine := New(Config{Version: "v1"})

	reply := handleMessage(t, engine.Bridge(), CommandCheckUpdate)

	if !reply.OK || reply.UpdateAvailable == nil || *reply.UpdateAvailable {
		t.Fatalf("Reply is %+v", reply)
	}
}

func TestCheckUpdateCommandSourceError(t *testing.T) {
	engine := New(Config{UpdateSource: stubUpdateSource{err: errors.New("unreachable")}})

	reply := handleMessage(t, engine.Bridge(), CommandCheckUpdate)

	if reply.OK || reply.Error == "" {
		t.Fatalf("Reply is %+v", reply)
	}
}

func TestUnknownCommand(t *testing.T) {
	engine := New(Config{})

	reply := handleMessage(t, engine.Bridge(), "SELF_DESTRUCT")

	if reply.OK || reply.Error == "" {
		t.Fatalf("Reply is %+v", reply)
	}
}

func TestMalformedMessage(t *testing.T) {
	engine := New(Config{})

	raw := engine.Bridge().Handle([]byte("not json"))
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("Malformed reply: %s", raw)
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("Reply is %+v", reply)
	}
}
