package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/componentos/arsenal/flash"
	"github.com/stretchr/testify/require"
)

const testProfile = `
name: tiny
flash:
  start: 0x0800_0000
  end: 0x0801_FFFF
  scan_start: 0x0800_0000
  block_size: 1024
  page_size: 1024
  word_size: 4
  strict_words: true
ram:
  start: 0x2000_0000
  end: 0x2000_3FFF
  block_size: 256
  reserved: 1024
`

func runApp(t *testing.T, board string, image string, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	err := app.Run(append([]string{"flashctl", "--board", board, "--image", image}, args...))
	return out.String(), err
}

func mustRun(t *testing.T, board string, image string, args ...string) string {
	out, err := runApp(t, board, image, args...)
	require.NoError(t, err)
	return out
}

func imageBlocks(t *testing.T, board Board, image string) []flash.Block {
	data, err := os.ReadFile(image)
	require.NoError(t, err)

	device := board.NewDevice()
	require.NoError(t, device.Load(data))

	allocator, err := flash.FromFlash(device.ReadOnly(), board.FlashConfig(), flash.CreateOptions{SkipStorageAnalysis: true})
	require.NoError(t, err)

	blocks, err := allocator.Blocks().All()
	require.NoError(t, err)
	return blocks
}

func TestParseBoard(t *testing.T) {
	board, err := ParseBoard([]byte(testProfile))
	require.NoError(t, err)

	require.Equal(t, "tiny", board.Name)
	require.Equal(t, flash.Config{
		StartAddr:        0x0800_0000,
		EndAddr:          0x0801_FFFF,
		StartScanAddr:    0x0800_0000,
		BlockSize:        1024,
		WriteGranularity: 4,
	}, board.FlashConfig())
	require.Equal(t, uint32(0x2000_3FFF), board.RAMConfig().EndAddr)
	require.Equal(t, 1024, board.RAMConfig().Reserved)
	require.True(t, board.Flash.StrictWords)

	device := board.NewDevice()
	require.Equal(t, 128*1024, device.Size())
	require.Len(t, device.Pages(), 128)
	require.Equal(t, 4, device.WordSize())
}

func TestParseBoardInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		profile string
	}{
		{"not yaml", "flash: [1, 2"},
		{"empty", ""},
		{"page larger than block", `
flash: {start: 0x08000000, end: 0x0801FFFF, scan_start: 0x08000000, block_size: 1024, page_size: 2048, word_size: 2}
ram: {start: 0x20000000, end: 0x20003FFF, block_size: 256, reserved: 0}`},
		{"bad ram", `
flash: {start: 0x08000000, end: 0x0801FFFF, scan_start: 0x08000000, block_size: 1024, page_size: 1024, word_size: 2}
ram: {start: 0x20000000, end: 0x20003FFF, block_size: 300, reserved: 0}`},
		{"wide word", `
flash: {start: 0x08000000, end: 0x0801FFFF, scan_start: 0x08000000, block_size: 1024, page_size: 1024, word_size: 16}
ram: {start: 0x20000000, end: 0x20003FFF, block_size: 256, reserved: 0}`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := ParseBoard([]byte(testCase.profile))
			require.Error(t, err)
		})
	}
}

func TestBuiltinBoards(t *testing.T) {
	for name, board := range builtinBoards {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, board.Validate())

			loaded, err := LoadBoard(name)
			require.NoError(t, err)
			require.Equal(t, board, loaded)
		})
	}
}

func TestImageLifecycle(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.bin")
	board, err := LoadBoard("stm32f303re")
	require.NoError(t, err)

	out := mustRun(t, "stm32f303re", image, "format")
	require.Contains(t, out, "524288 bytes in 256 pages")

	data, err := os.ReadFile(image)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 512*1024), data)

	out = mustRun(t, "stm32f303re", image, "alloc", "--finalize", "100")
	require.Contains(t, out, "Component block")
	require.Contains(t, out, "Finalized")

	blocks := imageBlocks(t, board, image)
	require.Len(t, blocks, 1)
	component := blocks[0]
	require.Equal(t, 2048, component.BlockSize())
	require.True(t, component.IsFinalized())

	out = mustRun(t, "stm32f303re", image, "alloc", "--kind", "storage", "0x1000")
	require.Contains(t, out, "Storage block")
	require.Contains(t, out, "Pending")
	require.Len(t, imageBlocks(t, board, image), 2)

	out = mustRun(t, "stm32f303re", image, "ram-alloc", fmt.Sprintf("%#x", component.Address()), "1024")
	require.Contains(t, out, fmt.Sprintf("for component at %#x", component.Address()))

	out = mustRun(t, "stm32f303re", image, "ram-dump")
	require.Contains(t, out, fmt.Sprintf("for component at %#x", component.Address()))
	require.Contains(t, out, "free blocks per level:")

	out = mustRun(t, "stm32f303re", image, "ram-dump", "--json")
	require.Contains(t, out, fmt.Sprintf(`"Reservations":[{"FlashPosition":%d,`, component.Address()))

	out = mustRun(t, "stm32f303re", image, "stats")
	require.Contains(t, out, "flash: 2 allocations")
	require.Contains(t, out, "ram: 1 allocations")

	out = mustRun(t, "stm32f303re", image, "dump", "--json")
	require.Contains(t, out, `"HeaderSize":12`)
	require.Contains(t, out, `"Kind":"Component","Status":"Finalized"`)
	require.Contains(t, out, `"Kind":"Storage","Status":"Pending"`)

	out = mustRun(t, "stm32f303re", image, "erase", fmt.Sprintf("%#x", component.BaseAddress()))
	require.Contains(t, out, fmt.Sprintf("erased block at %#x", component.BaseAddress()))

	blocks = imageBlocks(t, board, image)
	require.Len(t, blocks, 1)
	require.Equal(t, flash.BlockKindStorage, blocks[0].Kind())

	out = mustRun(t, "stm32f303re", image, "finalize", fmt.Sprintf("%#x", blocks[0].BaseAddress()+10))
	require.Contains(t, out, "finalized Storage block")

	out = mustRun(t, "stm32f303re", image, "dump")
	require.Contains(t, out, "board stm32f303re: flash [0x8000000, 0x807ffff], scan from 0x8001000, 12 byte headers")
	require.Contains(t, out, "Storage block")
	require.Contains(t, out, "Finalized")
	require.NotContains(t, out, "Component block")

	out = mustRun(t, "stm32f303re", image, "ram-dump")
	require.NotContains(t, out, "for component at")
}

func TestProfileFromFile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "tiny.yaml")
	image := filepath.Join(dir, "flash.bin")
	require.NoError(t, os.WriteFile(profile, []byte(testProfile), 0o644))

	mustRun(t, profile, image, "format")
	out := mustRun(t, profile, image, "alloc", "--finalize", "500")
	require.Contains(t, out, "Component block [0x8000000, 0x8000400)")

	out = mustRun(t, profile, image, "dump")
	require.Contains(t, out, "scan from 0x8000000, 20 byte headers")
}

func TestCommandErrors(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.bin")

	_, err := runApp(t, "stm32f303re", image, "dump")
	require.Error(t, err)

	mustRun(t, "stm32f303re", image, "format")

	_, err = runApp(t, "stm32l476rg", image, "dump")
	require.ErrorContains(t, err, "does not fit board")

	_, err = runApp(t, "stm32f303re", image, "alloc")
	require.ErrorContains(t, err, "missing size argument")

	_, err = runApp(t, "stm32f303re", image, "alloc", "--kind", "kernel", "100")
	require.ErrorContains(t, err, "unknown block kind")

	_, err = runApp(t, "stm32f303re", image, "alloc", "1M")
	require.ErrorContains(t, err, "invalid size")

	_, err = runApp(t, "stm32f303re", image, "erase", "0x08040000")
	require.ErrorIs(t, err, flash.ErrInvalidBlock)

	_, err = runApp(t, "no-such-board.yaml", image, "dump")
	require.ErrorContains(t, err, "failed to read board profile")
}
