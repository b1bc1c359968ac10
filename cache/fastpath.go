package cache

import "sync"

// FastEntry is everything a dispatcher needs to launch a built kernel.
type FastEntry struct {
	Kernel KernelHandle
	// Mu serializes argument setting and enqueue on Kernel.
	Mu      *sync.Mutex
	ArgMask ArgMask
	Program ProgramHandle
}

// FastPath is a flat index from dispatch keys to built kernels. Presence of
// a key means the entry is immediately usable; there is no build state.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: a miss is not an error, it means the key is not warm yet.
type FastPath struct {
	mu      sync.Mutex
	entries map[FastKey]FastEntry
}

// NewFastPath creates an empty fast path index.
func NewFastPath() *FastPath {
	return &FastPath{entries: make(map[FastKey]FastEntry)}
}

// TryGet returns the entry for key if present.
func (f *FastPath) TryGet(key FastKey) (FastEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	return e, ok
}

// InsertIfAbsent stores entry under key unless the key is already present,
// in which case entry is discarded. It reports whether entry was stored.
// Entries built for the same key are interchangeable, so which concurrent
// writer wins does not matter.
func (f *FastPath) InsertIfAbsent(key FastKey, entry FastEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.insertLocked(key, entry)
}

func (f *FastPath) insertLocked(key FastKey, entry FastEntry) bool {
	if _, ok := f.entries[key]; ok {
		return false
	}
	f.entries[key] = entry
	return true
}

// Len returns the number of entries.
func (f *FastPath) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.entries)
}

func (f *FastPath) resetLocked() {
	f.entries = make(map[FastKey]FastEntry)
}

// evictProgramsLocked removes every entry whose program is in programs.
func (f *FastPath) evictProgramsLocked(programs map[ProgramHandle]struct{}) int {
	n := 0
	for k, e := range f.entries {
		if _, ok := programs[e.Program]; ok {
			delete(f.entries, k)
			n++
		}
	}
	return n
}
