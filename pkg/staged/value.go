// Package staged implements the backup/commit/rollback holder used for
// transactional settings changes: the first mutation after a commit snapshots
// the current value, Rollback restores that snapshot and Commit discards it.
package staged

// Value holds a primary value and an optional backup of it.
// T is copied by assignment, so it should be a plain value type; pointers and
// slices inside T are shared between the primary and the backup.
// Value is not safe for concurrent use; callers hold their own lock.
type Value[T any] struct {
	data   T
	backup *T
}

// New returns a Value holding v with no pending backup
func New[T any](v T) Value[T] {
	return Value[T]{data: v}
}

// Get returns a copy of the primary value
func (v *Value[T]) Get() T {
	return v.data
}

// Original returns the value as of the last commit: the backup if one is
// pending, the primary otherwise
func (v *Value[T]) Original() T {
	if v.backup != nil {
		return *v.backup
	}
	return v.data
}

// IsBackedUp reports whether a backup is pending
func (v *Value[T]) IsBackedUp() bool {
	return v.backup != nil
}

// Backup snapshots the primary value unless a backup is already pending
func (v *Value[T]) Backup() {
	if v.backup != nil {
		return
	}
	b := v.data
	v.backup = &b
}

// Mutate stages a backup and then applies fn to the primary value
func (v *Value[T]) Mutate(fn func(*T)) {
	v.Backup()
	fn(&v.data)
}

// Set replaces the primary value without staging a backup. A pending backup
// is kept, so a later Rollback still restores the last committed value.
func (v *Value[T]) Set(data T) {
	v.data = data
}

// Rollback restores the primary value from the backup and clears it.
// It is a no-op without a pending backup.
func (v *Value[T]) Rollback() {
	if v.backup == nil {
		return
	}
	v.data = *v.backup
	v.backup = nil
}

// Commit discards the backup, keeping the primary value.
// It is a no-op without a pending backup.
func (v *Value[T]) Commit() {
	v.backup = nil
}
