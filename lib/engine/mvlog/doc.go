// Package mvlog implements the append-only paged log that backs the storage
// engine. A log is a singly linked list of pool pages appended to by many
// writers without locks.
//
// Two variants exist:
//
//   - OrderedLog maintains a sealed head, the position up to which every
//     preceding entry is sealed. Iteration from the tail to the sealed head
//     yields a dense, in-order, finalized prefix.
//   - UnorderedLog has no sealed prefix. It offers AppendPage for splicing
//     externally built page chains and Erase for unlinking page ranges;
//     readers skip entries whose sealed bit is not set.
//
// Writers call Append and receive an entry handle pointing into a page, fill
// the payload through Entry.Data, and publish it with Seal. Appending races
// for slots within a page via a CAS on the entry's size word; sealing is
// monotone and commutes with concurrent acquisitions.
//
// Pages removed from a log (Truncate, Erase) are returned to the pool through
// the smr package, so a reader paused mid-iteration never observes a recycled
// page. Readers must hold a smr guard for the duration of an iteration.
package mvlog
