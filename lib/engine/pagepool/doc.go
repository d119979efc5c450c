// Package pagepool manages the bounded pool of fixed-size pages that backs
// the storage engine. All page memory is carved from a single contiguous
// arena allocated at construction time; pages never move and the pool never
// grows or shrinks.
//
// The package contains:
//   - Pool: the page manager with lock-free Alloc/Free via an internal stack
//   - Page: a handle to one fixed-size block of the arena
//   - FixedStack: a lock-free bounded stack of page slots
//
// Alloc and Free are safe to call concurrently. Freeing a page while another
// goroutine may still hold a pointer into it is a caller error; the rest of
// the engine routes every free through the smr package to guarantee this.
package pagepool
