package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

const (
	testStart     uint32 = 0x0800_0000
	testBlockSize        = 2048
	testNumBlocks        = 256
)

func virginDump(levels int) string {
	dump := "[0] 0 \n"
	for level := 1; level <= levels; level++ {
		dump += "[" + string(rune('0'+level)) + "] \n"
	}
	return dump + "\n"
}

func TestBuddyVirgin(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	require.Equal(t, 8, tree.NumLevels())
	require.Equal(t, 9, tree.NumSlots())
	require.Equal(t, 512*1024, tree.MaxSize())
	require.Equal(t, virginDump(8), tree.String())
	require.True(t, tree.IsEmpty())
	require.NoError(t, tree.Validate())
}

func TestBuddySizeToLevel(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	testCases := []struct {
		size     int
		level    int
		hasLevel bool
	}{
		{size: 0, level: 8, hasLevel: true},
		{size: 1, level: 8, hasLevel: true},
		{size: 2048, level: 8, hasLevel: true},
		{size: 2049, level: 7, hasLevel: true},
		{size: 3 * 2048, level: 6, hasLevel: true},
		{size: 4 * 2048, level: 6, hasLevel: true},
		{size: 256 * 1024, level: 1, hasLevel: true},
		{size: 256*1024 + 1, level: 0, hasLevel: true},
		{size: 512 * 1024, level: 0, hasLevel: true},
		{size: 512*1024 + 1, hasLevel: false},
	}

	for _, testCase := range testCases {
		level, ok := tree.SizeToLevel(testCase.size)
		require.Equal(t, testCase.hasLevel, ok, "size %d", testCase.size)
		if ok {
			require.Equal(t, testCase.level, level, "size %d", testCase.size)
			require.GreaterOrEqual(t, tree.LevelSize(level), testCase.size)
		}
	}
}

func TestBuddySizeToLevelMonotonic(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	prev := math.MaxInt
	for size := 1; size <= tree.MaxSize(); size += 512 {
		level, ok := tree.SizeToLevel(size)
		require.True(t, ok)
		require.LessOrEqual(t, level, prev, "size %d", size)
		prev = level
	}
}

func TestBuddyAllocSplitsFromLowAddress(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	addr1, ok := tree.Alloc(testBlockSize)
	require.True(t, ok)
	require.Equal(t, testStart, addr1)

	addr2, ok := tree.Alloc(3 * testBlockSize)
	require.True(t, ok)
	require.Equal(t, testStart+0x2000, addr2)

	addr3, ok := tree.Alloc(4 * testBlockSize)
	require.True(t, ok)
	require.Equal(t, testStart+0x4000, addr3)

	require.Equal(t, "[0] \n[1] 1 \n[2] 1 \n[3] 1 \n[4] 1 \n[5] \n[6] 3 \n[7] 1 \n[8] 1 \n\n", tree.String())
	require.NoError(t, tree.Validate())

	require.NoError(t, tree.Free(addr2, 3*testBlockSize))
	require.NoError(t, tree.Free(addr1, testBlockSize))
	require.NoError(t, tree.Free(addr3, 4*testBlockSize))

	require.Equal(t, virginDump(8), tree.String())
}

func TestBuddyNoDoubleAllocation(t *testing.T) {
	sizes := []int{1, 2048, 2049, 5000, 8192, 65536, 100000, 256 * 1024}

	for _, size1 := range sizes {
		for _, size2 := range sizes {
			if size1+size2 > 512*1024 {
				continue
			}

			tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)
			addr1, ok := tree.Alloc(size1)
			require.True(t, ok)
			addr2, ok := tree.Alloc(size2)
			require.True(t, ok)

			level1, _ := tree.SizeToLevel(size1)
			level2, _ := tree.SizeToLevel(size2)
			end1 := addr1 + uint32(tree.LevelSize(level1))
			end2 := addr2 + uint32(tree.LevelSize(level2))

			require.True(t, end1 <= addr2 || end2 <= addr1, "sizes %d and %d overlap", size1, size2)
			require.NoError(t, tree.Validate())
		}
	}
}

func TestBuddyExhaustion(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	_, ok := tree.Alloc(tree.MaxSize() + 1)
	require.False(t, ok)

	for i := 0; i < testNumBlocks; i++ {
		addr, ok := tree.Alloc(testBlockSize)
		require.True(t, ok)
		require.Equal(t, testStart+uint32(i*testBlockSize), addr)
	}

	_, ok = tree.Alloc(1)
	require.False(t, ok)
	require.Equal(t, 0, tree.SumFreeSize())
	require.NoError(t, tree.Validate())

	// Exhaustion leaves the tree usable
	require.NoError(t, tree.Free(testStart+10*testBlockSize, testBlockSize))
	addr, ok := tree.Alloc(testBlockSize)
	require.True(t, ok)
	require.Equal(t, testStart+10*testBlockSize, addr)
}

func TestBuddyFreeErrors(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	addr, ok := tree.Alloc(testBlockSize)
	require.True(t, ok)

	require.NoError(t, tree.Free(addr, testBlockSize))
	require.Error(t, tree.Free(addr, testBlockSize))

	addr, ok = tree.Alloc(4 * testBlockSize)
	require.True(t, ok)
	require.Error(t, tree.Free(addr+testBlockSize, 4*testBlockSize))
	require.Error(t, tree.Free(testStart-testBlockSize, testBlockSize))
	require.Error(t, tree.Free(addr, tree.MaxSize()+1))

	// A leaf inside a free region is already free
	require.Error(t, tree.Free(testStart+128*testBlockSize, testBlockSize))
	require.NoError(t, tree.Validate())
}

func TestBuddyMisconfigurationPanics(t *testing.T) {
	require.Panics(t, func() {
		metadata.NewBuddyTree(testStart, testBlockSize, 257)
	})
	require.Panics(t, func() {
		metadata.NewBuddyTree(testStart, testBlockSize, 0)
	})
	require.Panics(t, func() {
		metadata.NewBuddyTree(testStart, 3000, 16)
	})
}

func TestBuddyAddFreeRangeMatchesLiveState(t *testing.T) {
	live := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)

	addr1, _ := live.Alloc(testBlockSize)
	addr2, _ := live.Alloc(3 * testBlockSize)
	addr3, _ := live.Alloc(4 * testBlockSize)
	require.Equal(t, testStart, addr1)

	// Rebuild from the three allocations alone, as a recovery scan would
	rebuilt := metadata.NewEmptyBuddyTree(testStart, testBlockSize, testNumBlocks)
	offset := 0
	for _, alloc := range []struct {
		addr uint32
		size int
	}{{addr1, 2048}, {addr2, 8192}, {addr3, 8192}} {
		gap := int(alloc.addr-testStart) - offset
		rebuilt.AddFreeRange(offset, gap)
		offset += gap + alloc.size
	}
	rebuilt.AddFreeRange(offset, rebuilt.RegionSize()-offset)

	require.Equal(t, live.String(), rebuilt.String())
	require.NoError(t, rebuilt.Validate())
}

func TestBuddyLeafByLeafRebuild(t *testing.T) {
	rebuilt := metadata.NewEmptyBuddyTree(testStart, testBlockSize, testNumBlocks)
	require.Equal(t, 0, rebuilt.SumFreeSize())

	for leaf := testNumBlocks - 1; leaf >= 0; leaf-- {
		rebuilt.AddFreeBlock(uint8(leaf), rebuilt.NumLevels())
	}

	require.Equal(t, virginDump(8), rebuilt.String())
}

func TestBuddyNonPowerOfTwoBlocks(t *testing.T) {
	tree := metadata.NewBuddyTree(0x2000_0000, 256, 200)

	require.Equal(t, 200*256, tree.SumFreeSize())
	require.Equal(t, 256*256, tree.MaxSize())
	require.NoError(t, tree.Validate())

	for i := 0; i < 200; i++ {
		addr, ok := tree.Alloc(256)
		require.True(t, ok, "allocation %d", i)
		require.True(t, tree.Contains(addr))
	}

	_, ok := tree.Alloc(256)
	require.False(t, ok)
}

func TestBuddyRandomAllocFree(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)
	initial := tree.String()

	type allocation struct {
		addr uint32
		size int
	}
	var live []allocation

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			victim := rng.Intn(len(live))
			require.NoError(t, tree.Free(live[victim].addr, live[victim].size))
			live = append(live[:victim], live[victim+1:]...)
		} else {
			size := 1 + rng.Intn(64*1024)
			addr, ok := tree.Alloc(size)
			if ok {
				level, _ := tree.SizeToLevel(size)
				index, err := tree.BlockIndex(addr, level)
				require.NoError(t, err)
				require.False(t, tree.IsFree(index, level))
				live = append(live, allocation{addr, size})
			}
		}

		require.NoError(t, tree.Validate())
	}

	for _, alloc := range live {
		require.NoError(t, tree.Free(alloc.addr, alloc.size))
	}

	require.Equal(t, initial, tree.String())
}

func TestBuddyStatistics(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, testNumBlocks)
	_, ok := tree.Alloc(testBlockSize)
	require.True(t, ok)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tree.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      512 * 1024,
			AllocationCount: 0,
			AllocationBytes: 2048,
		},
		UnusedRangeCount:   8,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 2048,
		UnusedRangeSizeMax: 256 * 1024,
	}, stats)
}

func TestBuddyJson(t *testing.T) {
	tree := metadata.NewBuddyTree(testStart, testBlockSize, 4)
	_, ok := tree.Alloc(testBlockSize)
	require.True(t, ok)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	tree.BlockJsonData(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"StartAddress": 134217728,
		"TotalBytes": 8192,
		"UnusedBytes": 6144,
		"BlockSize": 2048,
		"UnusedRanges": 2,
		"FreeLists": [
			{"Level": 0, "BlockBytes": 8192, "Blocks": []},
			{"Level": 1, "BlockBytes": 4096, "Blocks": [1]},
			{"Level": 2, "BlockBytes": 2048, "Blocks": [1]}
		]
	}`, string(writer.Bytes()))
}
