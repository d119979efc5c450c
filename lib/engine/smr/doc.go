// Package smr implements safe memory reclamation for the storage engine via
// epoch-based deferred execution.
//
// Readers pin the current epoch with Domain.Enter before touching shared
// pages and release it with Guard.Exit. Writers that unlink a page hand the
// release to Domain.Invoke instead of freeing it directly; the callback runs
// only after every reader that could still observe the page has exited.
//
// The domain keeps three epoch slots. Advancing from one epoch to the next
// requires that no guard from the previous epoch is still active, so a
// callback retired in epoch e runs no earlier than the advance to epoch e+3.
// At that point all guards from epochs e+1 and earlier are gone and the page
// cannot be referenced anymore.
//
// Callbacks that are still pending when the process dies are lost. The engine
// keeps all data in main memory, so nothing leaks past process exit.
package smr
