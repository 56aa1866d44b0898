// Package presence tracks which principals currently hold a live connection
// to the coordinating server.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// StatusFunc is called from the tracker's own goroutine whenever a principal
// comes online or goes fully offline (its last connection dropped).
type StatusFunc func(principalID string, online bool)

type connectMsg struct {
	connectionID string
	principalID  string
}

type disconnectMsg struct {
	connectionID string
}

type queryMsg struct {
	reply chan []string
}

// Tracker is an in-memory, process-lifetime registry mapping live connection
// ids to principal ids. A single goroutine owns the map and serializes every
// connect, disconnect and query, so "compute online set" can never interleave
// with a mutation. Nothing is persisted; a restarted server comes up empty.
type Tracker struct {
	inbox    chan interface{}
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
	onStatus StatusFunc
	logger   *slog.Logger
}

// NewTracker starts the tracker's owning goroutine. onStatus may be nil.
func NewTracker(onStatus StatusFunc, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		inbox:    make(chan interface{}, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		onStatus: onStatus,
		logger:   logger,
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer close(t.done)

	connections := map[string]string{} // connectionID -> principalID
	refs := map[string]int{}           // principalID -> live connection count

	for {
		select {
		case <-t.quit:
			return
		case msg := <-t.inbox:
			switch m := msg.(type) {
			case connectMsg:
				prev, replaced := connections[m.connectionID]
				connections[m.connectionID] = m.principalID
				refs[m.principalID]++
				if refs[m.principalID] == 1 && t.onStatus != nil {
					t.onStatus(m.principalID, true)
				}
				if replaced {
					// Connection ids are unique per socket; a duplicate means
					// a missed disconnect. The displaced principal loses a
					// reference and may go offline.
					if t.release(refs, prev) && t.onStatus != nil {
						t.onStatus(prev, false)
					}
				}
			case disconnectMsg:
				principalID, ok := connections[m.connectionID]
				if !ok {
					continue
				}
				delete(connections, m.connectionID)
				if t.release(refs, principalID) && t.onStatus != nil {
					t.onStatus(principalID, false)
				}
			case queryMsg:
				online := make([]string, 0, len(refs))
				for id := range refs {
					online = append(online, id)
				}
				sort.Strings(online)
				m.reply <- online
			}
		}
	}
}

// release decrements a principal's connection count, returning true when the
// principal went fully offline.
func (t *Tracker) release(refs map[string]int, principalID string) bool {
	refs[principalID]--
	if refs[principalID] <= 0 {
		delete(refs, principalID)
		return true
	}
	return false
}

// send delivers a message to the actor goroutine, dropping it once Close has
// been called. Connection teardown can outlive server shutdown, so late
// callers must not block or panic.
func (t *Tracker) send(msg interface{}) bool {
	select {
	case t.inbox <- msg:
		return true
	case <-t.quit:
		return false
	}
}

// Connect registers a live connection for a principal.
func (t *Tracker) Connect(connectionID, principalID string) {
	t.send(connectMsg{connectionID: connectionID, principalID: principalID})
}

// Disconnect removes a connection. Unknown connection ids are ignored.
func (t *Tracker) Disconnect(connectionID string) {
	t.send(disconnectMsg{connectionID: connectionID})
}

// OnlineUsers returns the sorted set of principal ids with at least one live
// connection. After Close it returns the empty set.
func (t *Tracker) OnlineUsers() []string {
	reply := make(chan []string, 1)
	if !t.send(queryMsg{reply: reply}) {
		return nil
	}
	select {
	case online := <-reply:
		return online
	case <-t.quit:
		return nil
	}
}

// Close stops the owning goroutine and waits for it to exit. Safe to call
// more than once; messages arriving afterwards are dropped.
func (t *Tracker) Close() {
	t.stop.Do(func() { close(t.quit) })
	<-t.done
}
