// Package colstore is a persistent, memory mapped column store with MVCC
// row visibility, an append-only redo log and crash recovery.
//
// A table lives in two files: a preallocated base file holding one array
// per column plus a row-id allocator bitmap, an optional primary key hash
// index and a growable region for variable length values; and a redo log
// that records every mutation before it touches the base image. Rows are
// versioned with xmin/xmax transaction ids and read through snapshots, so
// readers never block writers.
//
//	h, err := colstore.Open("points", s,
//		colstore.WithDir(dir),
//		colstore.WithCapacity(100_000))
//	if err != nil { ... }
//	defer h.Close()
//
//	st := h.Store()
//	tx := st.Begin()
//	id, err := st.Insert(tx, []base.Value{int64(1), "alpha", 3.5})
//	if err != nil { ... }
//	if err := st.Commit(tx); err != nil { ... }
//
//	cur := st.Scan(st.Snapshot(st.Begin()), nil)
//	for {
//		row, ok, err := cur.Next()
//		if err != nil || !ok { break }
//		_ = row
//	}
package colstore
