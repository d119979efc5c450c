// Package util provides shared helper types for the storage engine: seeded
// key hashing, seed generation, and the size histogram behind per-table
// value statistics.
package util
