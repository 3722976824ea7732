// Package mediumlock provides ordered, all-or-nothing locking of chains of
// media.
//
// A MediumLock is one request for a read or write lock on one medium. A
// LockList is an ordered chain of requests (typically the ancestry of a
// differencing disk) locked and unlocked as a unit, in list order. A
// LockListMap groups one LockList per attachment so an operation touching
// several attachments locks all of them at once.
//
// Lock at every level is atomic: a failure unwinds everything acquired so far
// and leaves the aggregate unlocked. Unlock at every level is best effort: it
// attempts every release, reports the first failure and always ends unlocked.
//
// Lock order across lists is the caller's responsibility. Two operations that
// share media must build their lists in a consistent order (root to leaf, as
// BuildChain does); nothing here detects lock-order inversion.
//
// None of the types here are safe for concurrent use. They are owned by one
// operation at a time, usually under the owning machine's lock. The media they
// reference are shared and must be safe for concurrent use.
//
// # Logging Verbosity Convention
//
//   - V(4): list and map lock/unlock outcomes, unwind after a failure
//   - V(5): per-medium lock, skip and release decisions
package mediumlock
