package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the single-node back-end. Windows are deques of millisecond
// timestamps trimmed from the front; every window carries its own lock so
// concurrent admits on the same key serialize without funneling unrelated
// keys through one mutex.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	active  map[string]*memWindow

	flagMu sync.Mutex
	flags  map[string]memFlag
}

type memWindow struct {
	mu sync.Mutex
	ts []int64 // ascending, unix milliseconds
}

type memFlag struct {
	value   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		windows: map[string]*memWindow{},
		active:  map[string]*memWindow{},
		flags:   map[string]memFlag{},
	}
}

func (m *Memory) window(key string) *memWindow {
	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok {
		w = &memWindow{}
		m.windows[key] = w
	}
	m.mu.Unlock()
	return w
}

// evict drops every timestamp at or before the window start. Surviving
// entries satisfy start < t.
func (w *memWindow) evict(start int64) {
	i := 0
	for i < len(w.ts) && w.ts[i] <= start {
		i++
	}
	if i > 0 {
		w.ts = w.ts[i:]
	}
}

func (m *Memory) Admit(_ context.Context, key string, now time.Time, window time.Duration, max int) (AdmitResult, error) {
	w := m.window(key)
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(start)
	if len(w.ts) >= max {
		return AdmitResult{Admitted: false, Count: len(w.ts)}, nil
	}
	w.ts = append(w.ts, nowMs)
	return AdmitResult{Admitted: true, Count: len(w.ts)}, nil
}

func (m *Memory) WindowCount(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	w := m.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now.UnixMilli() - window.Milliseconds())
	return len(w.ts), nil
}

func (m *Memory) SetFlag(_ context.Context, key, value string, ttl time.Duration) error {
	m.flagMu.Lock()
	m.flags[key] = memFlag{value: value, expires: time.Now().Add(ttl)}
	m.flagMu.Unlock()
	return nil
}

func (m *Memory) GetFlag(_ context.Context, key string) (string, bool, error) {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	f, ok := m.flags[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(f.expires) {
		delete(m.flags, key)
		return "", false, nil
	}
	return f.value, true, nil
}

func (m *Memory) DeleteFlag(_ context.Context, key string) (bool, error) {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	f, ok := m.flags[key]
	if !ok {
		return false, nil
	}
	delete(m.flags, key)
	return !time.Now().After(f.expires), nil
}

func (m *Memory) HasFlag(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.GetFlag(ctx, key)
	return ok, err
}

func (m *Memory) ObserveActive(_ context.Context, ip string, now time.Time, window time.Duration) error {
	m.mu.Lock()
	w, ok := m.active[ip]
	if !ok {
		w = &memWindow{}
		m.active[ip] = w
	}
	m.mu.Unlock()

	nowMs := now.UnixMilli()
	w.mu.Lock()
	w.evict(nowMs - window.Milliseconds())
	w.ts = append(w.ts, nowMs)
	w.mu.Unlock()
	return nil
}

func (m *Memory) ActiveIPCount(_ context.Context, now time.Time, window time.Duration) (int, error) {
	start := now.UnixMilli() - window.Milliseconds()

	m.mu.Lock()
	wins := make([]*memWindow, 0, len(m.active))
	for _, w := range m.active {
		wins = append(wins, w)
	}
	m.mu.Unlock()

	count := 0
	for _, w := range wins {
		w.mu.Lock()
		w.evict(start)
		if len(w.ts) > 0 {
			count++
		}
		w.mu.Unlock()
	}
	return count, nil
}

// Sweep removes empty windows and expired flags. Run periodically; windows
// that stopped receiving traffic would otherwise pin their keys forever.
func (m *Memory) Sweep(now time.Time, maxWindow time.Duration) {
	start := now.UnixMilli() - maxWindow.Milliseconds()

	m.mu.Lock()
	for key, w := range m.windows {
		w.mu.Lock()
		w.evict(start)
		empty := len(w.ts) == 0
		w.mu.Unlock()
		if empty {
			delete(m.windows, key)
		}
	}
	for ip, w := range m.active {
		w.mu.Lock()
		w.evict(start)
		empty := len(w.ts) == 0
		w.mu.Unlock()
		if empty {
			delete(m.active, ip)
		}
	}
	m.mu.Unlock()

	m.flagMu.Lock()
	for key, f := range m.flags {
		if now.After(f.expires) {
			delete(m.flags, key)
		}
	}
	m.flagMu.Unlock()
}

func (m *Memory) Close() error {
	return nil
}
