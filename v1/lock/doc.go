// Package lock provides per-key exclusive lock tables and a lock manager that
// detects deadlocks between pairs of transactions. Tables may be striped so a
// fixed number of mutexes guards the whole key space.
//
// The manager resolves a deadlock by aborting the transaction whose id sorts
// last; the other one keeps waiting and obtains the lock once the loser has
// rolled back.
package lock
