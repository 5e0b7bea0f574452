// Package persist is the persistence collaborator: it stores the
// (subgroup, version, payload) tuples the multicast engine emits at
// delivery time and reports monotone progress counters back, which the
// engine publishes in the shared state table.
package persist

import (
	"errors"
	"sync"

	"github.com/tamitakada/derecho"
)

var (
	// ErrClosed is returned when appending to a closed log.
	ErrClosed = errors.New("persistence log closed")

	// ErrVersionNotFound is returned when reading a version that was never
	// stored.
	ErrVersionNotFound = errors.New("version not found")
)

// Record is one delivered message bound for durable storage.
type Record struct {
	Subgroup    derecho.SubgroupID
	Version     derecho.Version
	TimestampNS uint64
	Payload     []byte
}

// Log stores records durably. Implementations must tolerate concurrent
// readers with one appender.
type Log interface {
	// Append stores a record. Versions arrive in increasing order per
	// subgroup.
	Append(rec Record) error

	// LastVersion reports the highest stored version for a subgroup, or
	// InvalidVersion when nothing has been stored. Used at restart to
	// resume delivery counters.
	LastVersion(sub derecho.SubgroupID) (derecho.Version, error)

	// Read returns the payload stored at a version.
	Read(sub derecho.SubgroupID, ver derecho.Version) ([]byte, error)

	Close() error
}

// MemLog is an in-memory Log for tests and volatile groups.
type MemLog struct {
	mu      sync.RWMutex
	records map[derecho.SubgroupID]map[derecho.Version][]byte
	last    map[derecho.SubgroupID]derecho.Version
	closed  bool
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{
		records: make(map[derecho.SubgroupID]map[derecho.Version][]byte),
		last:    make(map[derecho.SubgroupID]derecho.Version),
	}
}

// Append implements Log.
func (l *MemLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	m, ok := l.records[rec.Subgroup]
	if !ok {
		m = make(map[derecho.Version][]byte)
		l.records[rec.Subgroup] = m
	}
	cp := make([]byte, len(rec.Payload))
	copy(cp, rec.Payload)
	m[rec.Version] = cp
	if last, ok := l.last[rec.Subgroup]; !ok || rec.Version > last {
		l.last[rec.Subgroup] = rec.Version
	}
	return nil
}

// LastVersion implements Log.
func (l *MemLog) LastVersion(sub derecho.SubgroupID) (derecho.Version, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if last, ok := l.last[sub]; ok {
		return last, nil
	}
	return derecho.InvalidVersion, nil
}

// Read implements Log.
func (l *MemLog) Read(sub derecho.SubgroupID, ver derecho.Version) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.records[sub]; ok {
		if p, ok := m[ver]; ok {
			return p, nil
		}
	}
	return nil, ErrVersionNotFound
}

// Close implements Log.
func (l *MemLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Manager drains delivered records into a Log on its own goroutine and
// reports each durably stored version through the advance callback, so the
// predicate thread never blocks on storage.
type Manager struct {
	log Log

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Record
	closed bool
	wg     sync.WaitGroup

	onAdvance func(sub derecho.SubgroupID, ver derecho.Version)
}

// NewManager wraps log. onAdvance runs on the manager goroutine after each
// record is stored.
func NewManager(log Log, onAdvance func(sub derecho.SubgroupID, ver derecho.Version)) *Manager {
	m := &Manager{log: log, onAdvance: onAdvance}
	m.cond = sync.NewCond(&m.mu)
	m.wg.Add(1)
	go m.run()
	return m
}

// Enqueue hands a delivered record to the manager. Never blocks.
func (m *Manager) Enqueue(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, rec)
	m.cond.Signal()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		rec := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.log.Append(rec); err != nil {
			continue
		}
		if m.onAdvance != nil {
			m.onAdvance(rec.Subgroup, rec.Version)
		}
	}
}

// Close drains the queue and stops the goroutine. The log itself stays
// open: it outlives the manager, which is rebuilt with each installed view.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
