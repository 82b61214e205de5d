package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitLevelKeepsSecondHalf(t *testing.T) {
	tree := NewBuddyTree(0, 1024, 8)

	_, ok := tree.splitLevel(0)
	require.False(t, ok)

	block, ok := tree.splitLevel(1)
	require.True(t, ok)
	require.Equal(t, uint8(0), block)
	require.Equal(t, []uint8{1}, tree.freeLists[1])
	require.Empty(t, tree.freeLists[0])

	block, ok = tree.getFreeBlock(1)
	require.True(t, ok)
	require.Equal(t, uint8(1), block)
}

func TestMergeBuddiesStopsAtRoot(t *testing.T) {
	tree := NewEmptyBuddyTree(0, 1024, 8)

	tree.push(0, 0)
	tree.mergeBuddies(0, 0)
	require.Equal(t, []uint8{0}, tree.freeLists[0])
}

func TestMergeBuddiesNeverMergesWithItself(t *testing.T) {
	tree := NewEmptyBuddyTree(0, 1024, 8)

	for index := uint8(0); index < 8; index++ {
		require.NotEqual(t, index, index^1)
	}

	// Freeing one leaf of each pair never merges
	tree.AddFreeBlock(0, 3)
	tree.AddFreeBlock(2, 3)
	tree.AddFreeBlock(5, 3)
	require.ElementsMatch(t, []uint8{0, 2, 5}, tree.freeLists[3])

	// The buddy of the last pushed block is removed from the middle of the list
	tree.AddFreeBlock(1, 3)
	require.ElementsMatch(t, []uint8{2, 5}, tree.freeLists[3])
	require.Equal(t, []uint8{0}, tree.freeLists[2])
	require.NoError(t, tree.Validate())
}

func TestValidateDetectsBrokenInvariants(t *testing.T) {
	tree := NewEmptyBuddyTree(0, 1024, 8)
	tree.push(3, 0)
	tree.push(3, 1)
	require.Error(t, tree.Validate())

	tree = NewEmptyBuddyTree(0, 1024, 8)
	tree.push(1, 0)
	tree.push(3, 2)
	require.Error(t, tree.Validate())

	tree = NewEmptyBuddyTree(0, 1024, 6)
	tree.push(1, 1)
	require.Error(t, tree.Validate())
}

func TestPushPanicsWhenFull(t *testing.T) {
	tree := NewEmptyBuddyTree(0, 1024, 8)
	tree.push(1, 0)
	tree.push(1, 1)
	require.Panics(t, func() { tree.push(1, 0) })
}
