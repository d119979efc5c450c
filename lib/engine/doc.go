// Package engine assembles the storage engine: the page pool, the
// reclamation domain, the commit version clock, the table registry and the
// background collector loop.
//
// The engine owns the lifecycle of all shared infrastructure. Tables are
// created through the engine and share one pool and one reclamation domain;
// the collector goroutine periodically rewrites their main stores down to
// the lowest version any open transaction can still read.
package engine
