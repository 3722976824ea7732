package mediumlock

import (
	"fmt"

	"github.com/google/uuid"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// ChainOptions controls how BuildChain assigns lock modes
type ChainOptions struct {
	// WriteLeaf requests a write lock on the leaf medium
	WriteLeaf bool

	// WriteAll requests write locks on every medium of the chain
	WriteAll bool

	// FailIfInaccessible makes BuildChain fail when a medium of the chain is inaccessible
	FailIfInaccessible bool
}

// BuildChain builds an unlocked list holding leaf and all its ancestors,
// ordered root first. Ancestors are read-locked unless opts.WriteAll is set.
// Building every list root first gives all operations sharing a base image a
// consistent lock order.
func BuildChain(leaf medium.Medium, opts ChainOptions) (*LockList, error) {
	if leaf == nil {
		return nil, fmt.Errorf("%w: no medium to build a lock chain for", utils.ErrInvalidParameter)
	}

	list := NewLockList()
	seen := make(map[uuid.UUID]bool)

	for m := leaf; m != nil; m = m.Parent() {
		if seen[m.ID()] {
			return nil, fmt.Errorf("%w: medium %s appears twice in the chain of %s", utils.ErrInvalidState, m.Name(), leaf.Name())
		}
		seen[m.ID()] = true

		if opts.FailIfInaccessible && m.State() == medium.StateInaccessible {
			return nil, fmt.Errorf("%w: medium %s in the chain of %s is inaccessible", utils.ErrInvalidState, m.Name(), leaf.Name())
		}

		lockWrite := opts.WriteAll || (opts.WriteLeaf && m.ID() == leaf.ID())
		if err := list.Prepend(m, lockWrite); err != nil {
			return nil, err
		}
	}
	return list, nil
}
