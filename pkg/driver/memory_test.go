package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coal() ItemKey { return ItemKey{BaseID: "minecraft:coal"} }

// §4.1 Driver contract: Push moves up to n items from a source slot into a
// named destination container, returning the amount actually accepted.
func TestPushMovesPartialAmountAndLeavesResidue(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 9)
	dst := reg.NewContainer("dst", 9)
	src.Seed(0, coal(), 40)

	moved, err := src.Push(context.Background(), "dst", 0, 25, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 25, moved)

	contents := src.Contents()
	require.Len(t, contents, 1)
	assert.EqualValues(t, 15, contents[0].Count)

	dstContents := dst.Contents()
	require.Len(t, dstContents, 1)
	assert.EqualValues(t, 25, dstContents[0].Count)
}

// Push to an unregistered destination fails with ErrUnavailable and moves
// nothing.
func TestPushToMissingDestinationFails(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 9)
	src.Seed(0, coal(), 10)

	moved, err := src.Push(context.Background(), "ghost", 0, 10, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, moved)
	assert.EqualValues(t, 10, src.Contents()[0].Count)
}

// receive: a destSlot occupied by a different item key blocks the move.
func TestReceiveBlocksOnConflictingDestSlot(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 9)
	dst := reg.NewContainer("dst", 9)
	src.Seed(0, coal(), 10)
	dst.Seed(0, ItemKey{BaseID: "minecraft:dirt"}, 5)

	destSlot := 0
	moved, err := src.Push(context.Background(), "dst", 0, 10, &destSlot)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Zero(t, moved)
}

// receive with no destSlot prefers an existing stack of the same key over
// an empty slot.
func TestReceivePrefersExistingStackOverFreeSlot(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 9)
	dst := reg.NewContainer("dst", 9)
	src.Seed(0, coal(), 10)
	dst.Seed(3, coal(), 5)

	moved, err := src.Push(context.Background(), "dst", 0, 10, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 10, moved)

	contents := dst.Contents()
	require.Len(t, contents, 1)
	assert.EqualValues(t, 15, contents[3].Count)
}

// Pull is the dual of Push: the destination container issues it, mapping
// to a Push on the source container.
func TestPullMapsToSourcePush(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 9)
	dst := reg.NewContainer("dst", 9)
	src.Seed(0, coal(), 30)

	moved, err := dst.Pull(context.Background(), "src", 0, 12, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 12, moved)
	assert.EqualValues(t, 18, src.Contents()[0].Count)
}

// Seed with a zero count clears the slot rather than storing an empty entry.
func TestSeedZeroCountClearsSlot(t *testing.T) {
	reg := NewMemoryRegistry()
	c := reg.NewContainer("c", 9)
	c.Seed(0, coal(), 10)
	c.Seed(0, coal(), 0)
	assert.Empty(t, c.Contents())
}

// A full container (no free slot, no matching stack) rejects the receive.
func TestReceiveRejectsWhenContainerFull(t *testing.T) {
	reg := NewMemoryRegistry()
	src := reg.NewContainer("src", 1)
	dst := reg.NewContainer("dst", 1)
	src.Seed(0, coal(), 10)
	dst.Seed(0, ItemKey{BaseID: "minecraft:dirt"}, 64)

	moved, err := src.Push(context.Background(), "dst", 0, 10, nil)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.EqualValues(t, 10, src.Contents()[0].Count) // nothing left the source
}
