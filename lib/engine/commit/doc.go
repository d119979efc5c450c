// Package commit provides the commit version clock of the storage engine.
//
// Every transactional write carries a version drawn from the clock, every
// read resolves against a snapshot version. The manager tracks the snapshots
// of active transactions so the collector knows the lowest version any
// reader can still observe.
package commit
