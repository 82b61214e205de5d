package main

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
	"github.com/componentos/arsenal/flash/memflash"
	"github.com/componentos/arsenal/ram"
	"gopkg.in/yaml.v3"
)

// FlashProfile describes the flash device of a board and the region the allocator manages on it
type FlashProfile struct {
	Start       uint32 `yaml:"start"`
	End         uint32 `yaml:"end"`
	ScanStart   uint32 `yaml:"scan_start"`
	BlockSize   int    `yaml:"block_size"`
	PageSize    int    `yaml:"page_size"`
	WordSize    int    `yaml:"word_size"`
	StrictWords bool   `yaml:"strict_words"`
}

// RAMProfile describes the RAM region handed out to components
type RAMProfile struct {
	Start     uint32 `yaml:"start"`
	End       uint32 `yaml:"end"`
	BlockSize int    `yaml:"block_size"`
	Reserved  int    `yaml:"reserved"`
}

// Board is a board profile, usually loaded from a yaml file
type Board struct {
	Name  string       `yaml:"name"`
	Flash FlashProfile `yaml:"flash"`
	RAM   RAMProfile   `yaml:"ram"`
}

func boardFromConfigs(name string, flashConfig flash.Config, pageSize int, strictWords bool, ramConfig ram.Config) Board {
	return Board{
		Name: name,
		Flash: FlashProfile{
			Start:       flashConfig.StartAddr,
			End:         flashConfig.EndAddr,
			ScanStart:   flashConfig.StartScanAddr,
			BlockSize:   flashConfig.BlockSize,
			PageSize:    pageSize,
			WordSize:    flashConfig.WriteGranularity,
			StrictWords: strictWords,
		},
		RAM: RAMProfile{
			Start:     ramConfig.StartAddr,
			End:       ramConfig.EndAddr,
			BlockSize: ramConfig.BlockSize,
			Reserved:  ramConfig.Reserved,
		},
	}
}

var builtinBoards = map[string]Board{
	"stm32f303re": boardFromConfigs("stm32f303re", flash.STM32F303RE, 2048, false, ram.STM32F303RE),
	"stm32l476rg": boardFromConfigs("stm32l476rg", flash.STM32L476RG, 2048, true, ram.STM32L476RG),
}

// ParseBoard decodes and validates a yaml board profile
func ParseBoard(data []byte) (Board, error) {
	var board Board
	err := yaml.Unmarshal(data, &board)
	if err != nil {
		return Board{}, errors.Wrap(err, "failed to parse board profile")
	}

	err = board.Validate()
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

// LoadBoard resolves a board by builtin name, or else reads it from the yaml file at path
func LoadBoard(path string) (Board, error) {
	if board, ok := builtinBoards[strings.ToLower(path)]; ok {
		return board, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, errors.Wrapf(err, "failed to read board profile %s", path)
	}
	return ParseBoard(data)
}

func (b Board) FlashConfig() flash.Config {
	return flash.Config{
		StartAddr:        b.Flash.Start,
		EndAddr:          b.Flash.End,
		StartScanAddr:    b.Flash.ScanStart,
		BlockSize:        b.Flash.BlockSize,
		WriteGranularity: b.Flash.WordSize,
	}
}

func (b Board) RAMConfig() ram.Config {
	return ram.Config{
		StartAddr: b.RAM.Start,
		EndAddr:   b.RAM.End,
		BlockSize: b.RAM.BlockSize,
		Reserved:  b.RAM.Reserved,
	}
}

// Validate checks both regions and that the flash region can be split into whole pages that
// never straddle a block
func (b Board) Validate() error {
	flashConfig := b.FlashConfig()
	err := flashConfig.Validate()
	if err != nil {
		return errors.Wrapf(err, "board %q has an invalid flash region", b.Name)
	}

	if b.Flash.Start%uint32(b.Flash.WordSize) != 0 {
		return errors.Newf("board %q: flash start %#x is not word aligned", b.Name, b.Flash.Start)
	}
	if b.Flash.PageSize <= 0 || b.Flash.PageSize%b.Flash.WordSize != 0 {
		return errors.Newf("board %q: page size %d is not a multiple of the word size %d", b.Name, b.Flash.PageSize, b.Flash.WordSize)
	}
	if flashConfig.Size()%b.Flash.PageSize != 0 || b.Flash.BlockSize%b.Flash.PageSize != 0 {
		return errors.Newf("board %q: page size %d does not evenly divide the flash region and its blocks", b.Name, b.Flash.PageSize)
	}

	err = b.RAMConfig().Validate()
	if err != nil {
		return errors.Wrapf(err, "board %q has an invalid RAM region", b.Name)
	}
	return nil
}

// NewDevice creates an erased simulated device that covers the flash region of the board
func (b Board) NewDevice() *memflash.Device {
	return memflash.New(b.Flash.Start, b.FlashConfig().Size(), b.Flash.PageSize, memflash.Options{
		WordSize:    b.Flash.WordSize,
		StrictWords: b.Flash.StrictWords,
	})
}
