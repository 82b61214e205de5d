package metadata

import (
	"fmt"
	"io"
	"strings"

	"github.com/componentos/arsenal/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// MaxBlocks is the largest number of smallest-size blocks a BuddyTree can manage. Block indices
// are stored as a single byte.
const MaxBlocks = 256

// BuddyTree is a binary buddy system over a contiguous address range. The range is divided into
// levels: level 0 is the whole managed region, and every block at level L splits into two blocks
// at level L+1, each covering half the address range of its parent. Block index i at level L
// begins at StartAddr() + i * LevelSize(L).
//
// Only the free blocks are tracked, as one fixed-capacity list of indices per level. A block that
// is in no free list and is not covered by a free block is allocated. BuddyTree has no knowledge of
// the memory it manages: consumers that need to persist allocations must do so themselves.
//
// BuddyTree is not safe for concurrent use.
type BuddyTree struct {
	startAddr uint32
	blockSize int
	numBlocks int
	numLevels int

	freeLists [][]uint8
}

// NewBuddyTree creates a BuddyTree managing numBlocks blocks of blockSize bytes starting at
// startAddr, with the whole range free.
//
// NewBuddyTree panics if blockSize is not a power of two or numBlocks is outside (0, MaxBlocks].
// Both are static configuration mistakes and cannot be recovered from at runtime.
func NewBuddyTree(startAddr uint32, blockSize int, numBlocks int) *BuddyTree {
	t := NewEmptyBuddyTree(startAddr, blockSize, numBlocks)
	t.AddFreeRange(0, t.RegionSize())
	return t
}

// NewEmptyBuddyTree creates a BuddyTree in which every block is considered allocated. It is the
// starting point for rebuilding allocator state from some external source of truth: free regions are
// then added with AddFreeBlock or AddFreeRange and are coalesced as they arrive.
func NewEmptyBuddyTree(startAddr uint32, blockSize int, numBlocks int) *BuddyTree {
	if numBlocks < 1 || numBlocks > MaxBlocks {
		panic(fmt.Sprintf("buddy tree supports between 1 and %d blocks, got %d", MaxBlocks, numBlocks))
	}
	if err := memutils.CheckPow2(blockSize, "blockSize"); err != nil {
		panic(err)
	}

	numLevels := memutils.Log2Ceil(uint(numBlocks))
	t := &BuddyTree{
		startAddr: startAddr,
		blockSize: blockSize,
		numBlocks: numBlocks,
		numLevels: numLevels,
		freeLists: make([][]uint8, numLevels+1),
	}

	for level := 0; level <= numLevels; level++ {
		capacity := 1 << level
		if capacity > numBlocks {
			capacity = numBlocks
		}
		t.freeLists[level] = make([]uint8, 0, capacity)
	}

	return t
}

// StartAddr is the first address managed by this tree
func (t *BuddyTree) StartAddr() uint32 { return t.startAddr }

// BlockSize is the size in bytes of the smallest block
func (t *BuddyTree) BlockSize() int { return t.blockSize }

// NumBlocks is the number of smallest blocks that are actually backed by memory
func (t *BuddyTree) NumBlocks() int { return t.numBlocks }

// NumLevels is the deepest level of the tree. Blocks at NumLevels() are BlockSize() bytes.
func (t *BuddyTree) NumLevels() int { return t.numLevels }

// NumSlots is the number of free lists, ceil(log2(NumBlocks())) + 1
func (t *BuddyTree) NumSlots() int { return t.numLevels + 1 }

// MaxSize is the size in bytes of the level 0 block. It is larger than RegionSize when NumBlocks
// is not a power of two.
func (t *BuddyTree) MaxSize() int { return t.blockSize << t.numLevels }

// RegionSize is the number of bytes actually backed by memory
func (t *BuddyTree) RegionSize() int { return t.blockSize * t.numBlocks }

// LevelSize is the size in bytes of every block at the given level
func (t *BuddyTree) LevelSize(level int) int { return t.MaxSize() >> level }

// Contains reports whether addr falls inside the region managed by this tree
func (t *BuddyTree) Contains(addr uint32) bool {
	return addr >= t.startAddr && uint64(addr) < uint64(t.startAddr)+uint64(t.RegionSize())
}

// SizeToLevel returns the deepest level whose blocks can still hold size bytes, which is the
// level that wastes the least space. Larger requests never map to a deeper level than smaller ones.
// It returns false if size is larger than the whole tree.
func (t *BuddyTree) SizeToLevel(size int) (int, bool) {
	maxSize := t.MaxSize()
	if size > maxSize {
		return 0, false
	}

	// Level 0 is the whole region, start looking one split below it
	nextLevel := 1
	for nextLevel <= t.numLevels && (maxSize>>nextLevel) >= size {
		nextLevel++
	}

	return nextLevel - 1, true
}

// Alloc reserves a block of at least size bytes and returns its address. It returns false when no
// block large enough is free.
func (t *BuddyTree) Alloc(size int) (uint32, bool) {
	level, ok := t.SizeToLevel(size)
	if !ok {
		return 0, false
	}

	block, ok := t.getFreeBlock(level)
	if !ok {
		return 0, false
	}

	memutils.DebugValidate(t)
	return t.blockAddress(level, block), true
}

// Free releases a block previously returned by Alloc for a request of size bytes
func (t *BuddyTree) Free(addr uint32, size int) error {
	level, ok := t.SizeToLevel(size)
	if !ok {
		return errors.Errorf("size %d is larger than the managed region", size)
	}

	index, err := t.BlockIndex(addr, level)
	if err != nil {
		return err
	}

	if t.overlapsFree(level, index) {
		return errors.Errorf("block at address %#x (level %d) is already free", addr, level)
	}

	t.AddFreeBlock(index, level)
	memutils.DebugValidate(t)
	return nil
}

// BlockIndex converts an address to the index of the block at level that starts there
func (t *BuddyTree) BlockIndex(addr uint32, level int) (uint8, error) {
	if level < 0 || level > t.numLevels {
		return 0, errors.Errorf("level %d is outside of [0, %d]", level, t.numLevels)
	}
	if !t.Contains(addr) {
		return 0, errors.Errorf("address %#x is not managed by this tree", addr)
	}

	offset := int(addr - t.startAddr)
	levelSize := t.LevelSize(level)
	if offset%levelSize != 0 {
		return 0, errors.Errorf("address %#x is not the start of a level %d block", addr, level)
	}

	return uint8(offset / levelSize), nil
}

// AddFreeBlock puts a block back on the free list of its level and then coalesces it with its buddy,
// repeating up the tree for as long as buddies are found.
func (t *BuddyTree) AddFreeBlock(index uint8, level int) {
	t.push(level, index)
	t.mergeBuddies(level, index)
}

// AddFreeRange folds the region [offset, offset+size), relative to StartAddr, into the free lists
// using the largest aligned blocks that fit. offset and size must be multiples of BlockSize.
func (t *BuddyTree) AddFreeRange(offset int, size int) {
	if offset%t.blockSize != 0 || size%t.blockSize != 0 {
		panic(fmt.Sprintf("free range [%#x, +%#x) is not aligned to the block size %d", offset, size, t.blockSize))
	}

	for size > 0 {
		level := 0
		for level < t.numLevels && (offset%t.LevelSize(level) != 0 || t.LevelSize(level) > size) {
			level++
		}

		levelSize := t.LevelSize(level)
		t.AddFreeBlock(uint8(offset/levelSize), level)
		offset += levelSize
		size -= levelSize
	}
}

// Clear drops every free block, leaving the whole tree allocated
func (t *BuddyTree) Clear() {
	for level := range t.freeLists {
		t.freeLists[level] = t.freeLists[level][:0]
	}
}

// IsEmpty returns true if there are no outstanding allocations
func (t *BuddyTree) IsEmpty() bool {
	return t.SumFreeSize() == t.RegionSize()
}

// SumFreeSize returns the number of free bytes in the tree
func (t *BuddyTree) SumFreeSize() int {
	var sum int
	for level, list := range t.freeLists {
		sum += len(list) * t.LevelSize(level)
	}
	return sum
}

// FreeRegionsCount returns the number of free blocks across all levels
func (t *BuddyTree) FreeRegionsCount() int {
	var count int
	for _, list := range t.freeLists {
		count += len(list)
	}
	return count
}

// FreeBlocks returns a sorted copy of the free block indices at level
func (t *BuddyTree) FreeBlocks(level int) []uint8 {
	blocks := slices.Clone(t.freeLists[level])
	slices.Sort(blocks)
	return blocks
}

// IsFree reports whether the block is entirely free, either on its own level's free list or as part
// of a larger free block
func (t *BuddyTree) IsFree(index uint8, level int) bool {
	for l := level; l >= 0; l-- {
		if slices.Contains(t.freeLists[l], uint8(int(index)>>(level-l))) {
			return true
		}
	}
	return false
}

func (t *BuddyTree) blockAddress(level int, index uint8) uint32 {
	return t.startAddr + uint32(int(index)*t.LevelSize(level))
}

func (t *BuddyTree) push(level int, index uint8) {
	list := t.freeLists[level]
	if len(list) == cap(list) {
		panic(fmt.Sprintf("free list for level %d is full (%d entries)", level, cap(list)))
	}
	t.freeLists[level] = append(list, index)
}

func (t *BuddyTree) pop(level int) (uint8, bool) {
	list := t.freeLists[level]
	if len(list) == 0 {
		return 0, false
	}

	index := list[len(list)-1]
	t.freeLists[level] = list[:len(list)-1]
	return index, true
}

// getFreeBlock takes a block from the free list at level, splitting a larger block if the list is empty
func (t *BuddyTree) getFreeBlock(level int) (uint8, bool) {
	if block, ok := t.pop(level); ok {
		return block, true
	}
	return t.splitLevel(level)
}

// splitLevel takes a block from the level above, keeps the second half free at this level and
// hands out the first half
func (t *BuddyTree) splitLevel(level int) (uint8, bool) {
	if level == 0 {
		return 0, false
	}

	block, ok := t.getFreeBlock(level - 1)
	if !ok {
		return 0, false
	}

	t.push(level, block*2+1)
	return block * 2, true
}

// mergeBuddies expects index to be the most recently pushed entry at level
func (t *BuddyTree) mergeBuddies(level int, index uint8) {
	if level == 0 {
		return
	}

	buddy := index ^ 1
	buddyPos := slices.Index(t.freeLists[level], buddy)
	if buddyPos < 0 {
		return
	}

	last, _ := t.pop(level)
	if last != index {
		panic(fmt.Sprintf("merging block %d at level %d, but the most recent free block is %d", index, level, last))
	}

	list := t.freeLists[level]
	list[buddyPos] = list[len(list)-1]
	t.freeLists[level] = list[:len(list)-1]

	parent := index / 2
	t.push(level-1, parent)
	t.mergeBuddies(level-1, parent)
}

// overlapsFree reports whether any part of the block is currently free
func (t *BuddyTree) overlapsFree(level int, index uint8) bool {
	if t.IsFree(index, level) {
		return true
	}

	for l := level + 1; l <= t.numLevels; l++ {
		first := int(index) << (l - level)
		last := (int(index) + 1) << (l - level)
		for _, free := range t.freeLists[l] {
			if int(free) >= first && int(free) < last {
				return true
			}
		}
	}

	return false
}

// Validate checks the invariants of the tree: every free block exists and is backed by memory, no
// free blocks overlap, and no two buddies are free at the same time.
func (t *BuddyTree) Validate() error {
	leaves := make([]bool, 1<<t.numLevels)
	regionSize := t.RegionSize()

	for level, list := range t.freeLists {
		if len(list) > cap(list) {
			return errors.Errorf("free list for level %d has %d entries, over its capacity of %d", level, len(list), cap(list))
		}

		levelSize := t.LevelSize(level)
		span := 1 << (t.numLevels - level)

		for _, index := range list {
			if int(index) >= 1<<level {
				return errors.Errorf("block %d does not exist at level %d", index, level)
			}

			if (int(index)+1)*levelSize > regionSize {
				return errors.Errorf("free block %d at level %d extends past the end of the region", index, level)
			}

			if level > 0 && slices.Contains(list, index^1) {
				return errors.Errorf("blocks %d and %d at level %d are free buddies that were not merged", index, index^1, level)
			}

			firstLeaf := int(index) * span
			for leaf := firstLeaf; leaf < firstLeaf+span; leaf++ {
				if leaves[leaf] {
					return errors.Errorf("free block %d at level %d overlaps another free block", index, level)
				}
				leaves[leaf] = true
			}
		}
	}

	return nil
}

// AddStatistics sums this tree's usage into stats
func (t *BuddyTree) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += t.RegionSize()
	stats.AllocationBytes += t.RegionSize() - t.SumFreeSize()
}

// AddDetailedStatistics sums this tree's usage into stats, reporting every free block as an unused range.
// Allocations are not tracked by the tree, so allocation counts are left to the consumer.
func (t *BuddyTree) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	t.AddStatistics(&stats.Statistics)

	for level, list := range t.freeLists {
		for range list {
			stats.AddUnusedRange(t.LevelSize(level))
		}
	}
}

// Dump writes one line per level, listing the free blocks of that level in ascending order,
// followed by an empty line. Two trees with the same free blocks always produce the same dump.
func (t *BuddyTree) Dump(w io.Writer) error {
	for level := range t.freeLists {
		if _, err := fmt.Fprintf(w, "[%d] ", level); err != nil {
			return err
		}

		for _, index := range t.FreeBlocks(level) {
			if _, err := fmt.Fprintf(w, "%d ", index); err != nil {
				return err
			}
		}

		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "\n")
	return err
}

func (t *BuddyTree) String() string {
	var sb strings.Builder
	_ = t.Dump(&sb)
	return sb.String()
}

// BlockJsonData populates a json object with information about this tree
func (t *BuddyTree) BlockJsonData(json jwriter.ObjectState) {
	json.Name("StartAddress").Int(int(t.startAddr))
	json.Name("TotalBytes").Int(t.RegionSize())
	json.Name("UnusedBytes").Int(t.SumFreeSize())
	json.Name("BlockSize").Int(t.blockSize)
	json.Name("UnusedRanges").Int(t.FreeRegionsCount())

	levels := json.Name("FreeLists").Array()
	defer levels.End()

	for level := range t.freeLists {
		obj := levels.Object()
		obj.Name("Level").Int(level)
		obj.Name("BlockBytes").Int(t.LevelSize(level))

		blocks := obj.Name("Blocks").Array()
		for _, index := range t.FreeBlocks(level) {
			blocks.Int(int(index))
		}
		blocks.End()

		obj.End()
	}
}
