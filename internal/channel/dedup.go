package channel

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

// dedupSet remembers the most recent command ids. Lookups do not refresh an
// entry, so the oldest id is evicted first.
type dedupSet struct {
	ids *lru.Cache[string, struct{}]
}

func newDedupSet(size int) *dedupSet {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	ids, err := lru.New[string, struct{}](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &dedupSet{ids: ids}
}

// Seen reports whether id was observed before and records it otherwise.
func (d *dedupSet) Seen(id string) bool {
	found, _ := d.ids.ContainsOrAdd(id, struct{}{})
	return found
}

// Contains reports whether id was observed, without recording it.
func (d *dedupSet) Contains(id string) bool {
	return d.ids.Contains(id)
}

func (d *dedupSet) Len() int {
	return d.ids.Len()
}

type pushEntry struct {
	kind model.CommandKind
	at   time.Time
}

// pushLog remembers the kind and issue time of commands delivered by push.
// Broadcast ids differ from history row ids, so a history row is matched to
// a push by kind and time instead.
type pushLog struct {
	mux     sync.Mutex
	size    int
	window  time.Duration
	entries []pushEntry
}

func newPushLog(size int, window time.Duration) *pushLog {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	return &pushLog{size: size, window: window}
}

func (p *pushLog) Record(kind model.CommandKind, at time.Time) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if len(p.entries) == p.size {
		p.entries = p.entries[1:]
	}
	p.entries = append(p.entries, pushEntry{kind: kind, at: at})
}

// Claim reports whether a push of the same kind was issued within the window
// of at. A matching entry is consumed so it covers one history row only.
func (p *pushLog) Claim(kind model.CommandKind, at time.Time) bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	for i, e := range p.entries {
		if e.kind != kind {
			continue
		}
		diff := e.at.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff <= p.window {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}
