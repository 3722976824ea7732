package mediumlock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

func chain(t *testing.T) (base, snap, leaf *medium.Image) {
	t.Helper()
	base = medium.NewImage(medium.ImageOptions{Name: "base.vdi", State: medium.StateCreated})
	snap = medium.NewImage(medium.ImageOptions{Name: "snap-1.vdi", Parent: base, State: medium.StateCreated})
	leaf = medium.NewImage(medium.ImageOptions{Name: "current.vdi", Parent: snap, State: medium.StateCreated})
	return base, snap, leaf
}

func TestBuildChain_RootFirst(t *testing.T) {
	_, _, leaf := chain(t)

	ll, err := BuildChain(leaf, ChainOptions{WriteLeaf: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"base.vdi", "snap-1.vdi", "current.vdi"}, entryNames(ll))
	assert.False(t, ll.At(0).LockWrite())
	assert.False(t, ll.At(1).LockWrite())
	assert.True(t, ll.At(2).LockWrite(), "leaf write-locked")
	assert.False(t, ll.IsLocked(), "chain is built unlocked")
}

func TestBuildChain_Modes(t *testing.T) {
	_, _, leaf := chain(t)

	readOnly, err := BuildChain(leaf, ChainOptions{})
	require.NoError(t, err)
	for _, e := range readOnly.Entries() {
		assert.False(t, e.LockWrite(), "%s", e.Medium().Name())
	}

	all, err := BuildChain(leaf, ChainOptions{WriteAll: true})
	require.NoError(t, err)
	for _, e := range all.Entries() {
		assert.True(t, e.LockWrite(), "%s", e.Medium().Name())
	}
}

func TestBuildChain_SharedBaseAcrossMachines(t *testing.T) {
	base := medium.NewImage(medium.ImageOptions{Name: "base.vdi", State: medium.StateCreated})
	vm1 := medium.NewImage(medium.ImageOptions{Name: "vm1.vdi", Parent: base, State: medium.StateCreated})
	vm2 := medium.NewImage(medium.ImageOptions{Name: "vm2.vdi", Parent: base, State: medium.StateCreated})

	l1, err := BuildChain(vm1, ChainOptions{WriteLeaf: true})
	require.NoError(t, err)
	l2, err := BuildChain(vm2, ChainOptions{WriteLeaf: true})
	require.NoError(t, err)

	require.NoError(t, l1.Lock(false))
	require.NoError(t, l2.Lock(false), "read locks on the shared base do not contend")
	assert.Equal(t, 2, base.Readers())

	l3, err := BuildChain(vm1, ChainOptions{WriteLeaf: true})
	require.NoError(t, err)
	err = l3.Lock(false)
	assert.True(t, errors.Is(err, utils.ErrLockFailed), "vm1 leaf is exclusively held")
	assert.Equal(t, 2, base.Readers(), "failed list unwound its base read lock")

	require.NoError(t, l1.Unlock())
	require.NoError(t, l2.Unlock())
	assert.Equal(t, medium.StateCreated, base.State())
}

func TestBuildChain_Inaccessible(t *testing.T) {
	base, _, leaf := chain(t)
	require.NoError(t, base.SetState(medium.StateInaccessible))

	_, err := BuildChain(leaf, ChainOptions{FailIfInaccessible: true})
	assert.True(t, errors.Is(err, utils.ErrInvalidState))

	ll, err := BuildChain(leaf, ChainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, ll.Len())
}

func TestBuildChain_Cycle(t *testing.T) {
	a := medium.NewMockMedium("a")
	b := medium.NewMockMedium("b")
	a.SetParent(b)
	b.SetParent(a)

	_, err := BuildChain(a, ChainOptions{})
	assert.True(t, errors.Is(err, utils.ErrInvalidState))
}

func TestBuildChain_NilLeaf(t *testing.T) {
	_, err := BuildChain(nil, ChainOptions{})
	assert.True(t, errors.Is(err, utils.ErrInvalidParameter))
}
