// Package mmap provides shared, writable memory-mapped file access.
//
// # Overview
//
// The store keeps its base file and redo log mapped for the whole lifetime
// of a handle and mutates them in place. Mappings here are therefore
// read-write and MAP_SHARED, and they support in-place growth: Grow unmaps,
// extends the backing file and maps it again, so callers must treat the
// byte slice returned by Bytes as invalid across any Grow or Close.
//
// # Usage
//
//	m, err := mmap.OpenFile("base.bin")
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()        // aliases the file
//	m.Sync()                 // msync the whole mapping
//	m.SyncRange(0, 4096)     // msync one page
//	m.Grow(newSize)          // extend file + remap; Bytes() changes
//
// # Thread Safety
//
// A Mapping is safe for concurrent readers of a stable mapping. Grow and
// Close must be externally serialized against all access; the store does
// this with a mapping lock plus a revision counter that accessors
// re-validate before each dereference.
package mmap
