package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is the lock file payload identifying the holder.
type Record struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// HeldError reports a live (or unverifiable) holder.
type HeldError struct {
	Holder Record
	Stale  bool
}

func (e *HeldError) Error() string {
	if e.Stale {
		return fmt.Sprintf("run lock held by pid %d on %s and expired, but holder liveness cannot be verified from this host", e.Holder.PID, e.Holder.Host)
	}
	return fmt.Sprintf("run lock held by pid %d on %s since %s", e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt)
}

// Handle represents an acquired lock.
type Handle struct {
	path   string
	record Record
}

func (h *Handle) Record() Record { return h.record }

// Manager acquires and releases the single exclusive run lock.
type Manager struct {
	Path string
	TTL  time.Duration

	// Injectable for tests.
	Now   func() time.Time
	Alive func(pid int) bool
	Host  string
	PID   int
}

// NewManager returns a Manager for the workspace's run lock.
func NewManager(workspace string, ttl time.Duration) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		Path:  filepath.Join(workspace, ".waveline", "run.lock"),
		TTL:   ttl,
		Now:   time.Now,
		Alive: processAlive,
		Host:  host,
		PID:   os.Getpid(),
	}
}

// Acquire takes the lock or fails with HeldError. A lock past its TTL whose
// recorded process is verifiably dead is reclaimed in place.
func (m *Manager) Acquire() (*Handle, error) {
	for attempt := 0; attempt < 2; attempt++ {
		h, err := m.tryCreate()
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		holder, readErr := m.Read()
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue // holder released between attempts
			}
			// Unreadable lock file: treat as held to stay safe.
			return nil, &HeldError{Holder: Record{Host: "unknown"}}
		}
		expired := m.expired(*holder)
		if !expired {
			return nil, &HeldError{Holder: *holder}
		}
		if holder.Host != m.Host || !m.alive(holder.PID) {
			if holder.Host == m.Host || holder.Host == "" {
				// Stale and dead: reclaim.
				if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
					return nil, err
				}
				continue
			}
		}
		if holder.Host != m.Host {
			return nil, &HeldError{Holder: *holder, Stale: true}
		}
		return nil, &HeldError{Holder: *holder}
	}
	return nil, &HeldError{Holder: Record{Host: m.Host}}
}

// Release removes the lock if it is still ours.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	current, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.PID != h.record.PID || current.Host != h.record.Host {
		return fmt.Errorf("lock no longer owned by this process (holder pid %d)", current.PID)
	}
	return os.Remove(m.Path)
}

// Read returns the current lock record, or an os.IsNotExist error.
func (m *Manager) Read() (*Record, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", m.Path, err)
	}
	return &r, nil
}

// Status reports the holder and whether the lock is past its TTL. A nil
// record means the lock is free.
func (m *Manager) Status() (*Record, bool, error) {
	r, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return r, m.expired(*r), nil
}

// Abort signals the recorded holder and waits up to wait for it to release,
// then removes the lock regardless. Returns the holder record so the caller
// can audit the sequence. Only same-host holders can be signaled.
func (m *Manager) Abort(ctx context.Context, wait time.Duration) (Record, error) {
	holder, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, err
	}
	if holder.Host == m.Host && m.alive(holder.PID) {
		_ = terminateProcess(holder.PID)
	}
	deadline := m.now().Add(wait)
	for m.now().Before(deadline) {
		if _, err := os.Stat(m.Path); os.IsNotExist(err) {
			return *holder, nil
		}
		select {
		case <-ctx.Done():
			return *holder, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return *holder, err
	}
	return *holder, nil
}

func (m *Manager) tryCreate() (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return nil, err
	}
	r := Record{
		PID:        m.pid(),
		Host:       m.Host,
		AcquiredAt: m.now().UTC().Format(time.RFC3339),
		TTLSeconds: int(m.TTL.Seconds()),
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		os.Remove(m.Path)
		return nil, err
	}
	return &Handle{path: m.Path, record: r}, nil
}

func (m *Manager) expired(r Record) bool {
	acquired, err := time.Parse(time.RFC3339, r.AcquiredAt)
	if err != nil {
		return true
	}
	ttl := m.TTL
	if r.TTLSeconds > 0 {
		ttl = time.Duration(r.TTLSeconds) * time.Second
	}
	return m.now().Sub(acquired) > ttl
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) alive(pid int) bool {
	if m.Alive != nil {
		return m.Alive(pid)
	}
	return processAlive(pid)
}

func (m *Manager) pid() int {
	if m.PID != 0 {
		return m.PID
	}
	return os.Getpid()
}
