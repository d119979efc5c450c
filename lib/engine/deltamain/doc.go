// Package deltamain implements the table format of the storage engine and
// the garbage collector that maintains it.
//
// Updates accumulate as multi-version records in a per-table delta log and
// in an insert map keyed by record key. Bulk loads go through a staging log
// whose page chains are built outside the log and spliced in. Periodically
// the collector rewrites the main pages: it copies still-visible versions
// into fresh fill pages, drops versions no active transaction can read,
// folds the pending inserts into the main store, and repoints the hash index
// at the new record locations. Old pages are released through the smr
// package once the index no longer references them.
//
// The collector preserves two invariants: for every key, at any moment the
// index resolves to a record holding the newest visible version for every
// active reader; and no version at or above the lowest active version is
// ever dropped.
package deltamain
