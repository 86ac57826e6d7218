// Package poller manages the background pollers watching group inboxes. Start and
// stop are idempotent; redundant invocations are safe side effects of replayed
// control messages.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cord-im/go-cord/config"
	"go.uber.org/zap"
)

// FetchFunc pulls any queued inbound messages for a group.
type FetchFunc func(groupID string) error

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	fetch    FetchFunc
	lock     sync.Mutex
	running  map[string]context.CancelFunc
	finished sync.WaitGroup
}

func NewManager(c *config.Config, fetch FetchFunc) *Manager {
	return &Manager{
		config:  c,
		log:     c.Logger("poller"),
		fetch:   fetch,
		running: make(map[string]context.CancelFunc),
	}
}

// Start begins polling a group. Starting an already-polled group is a no-op.
func (m *Manager) Start(groupID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.running[groupID]; ok {
		return
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.running[groupID] = cancelFunc
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		tick := time.NewTicker(time.Duration(m.config.PollIntervalMs) * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := m.fetch(groupID); err != nil {
					m.log.Warnf("error polling %s: %#v", groupID, err)
				}
			}
		}
	}()
	m.log.Debugf("started polling %s", groupID)
}

// Stop halts polling for a group. Stopping an unwatched group is a no-op.
func (m *Manager) Stop(groupID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cancelFunc, ok := m.running[groupID]
	if !ok {
		return
	}
	cancelFunc()
	delete(m.running, groupID)
	m.log.Debugf("stopped polling %s", groupID)
}

func (m *Manager) Polling(groupID string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.running[groupID]
	return ok
}

func (m *Manager) Shutdown() {
	m.lock.Lock()
	for id, cancelFunc := range m.running {
		cancelFunc()
		delete(m.running, id)
	}
	m.lock.Unlock()
	m.finished.Wait()
}
