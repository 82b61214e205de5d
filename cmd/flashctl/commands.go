package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
	"github.com/componentos/arsenal/flash/memflash"
	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/ram"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "print a json document instead of text",
}

// session is one image file opened under one board profile
type session struct {
	board     Board
	imagePath string
	device    *memflash.Device
	logger    *slog.Logger
	out       io.Writer
}

func newSession(c *cli.Context) (*session, error) {
	board, err := LoadBoard(c.String("board"))
	if err != nil {
		return nil, err
	}

	var logger *slog.Logger
	if c.Bool("verbose") {
		logger = slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(c.App.ErrWriter))
	}

	return &session{
		board:     board,
		imagePath: c.String("image"),
		device:    board.NewDevice(),
		logger:    logger,
		out:       c.App.Writer,
	}, nil
}

func openSession(c *cli.Context) (*session, error) {
	s, err := newSession(c)
	if err != nil {
		return nil, err
	}

	image, err := os.ReadFile(s.imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %s", s.imagePath)
	}

	err = s.device.Load(image)
	if err != nil {
		return nil, errors.Wrapf(err, "image %s does not fit board %q", s.imagePath, s.board.Name)
	}
	return s, nil
}

func (s *session) save() error {
	err := os.WriteFile(s.imagePath, s.device.Bytes(), 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to write image %s", s.imagePath)
	}
	return nil
}

// inspect rebuilds the flash allocator over a read-only view, skipping the analysis pass since it
// would need to erase
func (s *session) inspect() (*flash.Allocator, error) {
	return flash.FromFlash(s.device.ReadOnly(), s.board.FlashConfig(), flash.CreateOptions{
		Logger:              s.logger,
		SkipStorageAnalysis: true,
	})
}

func (s *session) modify() (*flash.Allocator, error) {
	return flash.FromFlash(s.device, s.board.FlashConfig(), flash.CreateOptions{
		Logger: s.logger,
	})
}

func (s *session) ramAllocator(device flash.Device) (*ram.Allocator, error) {
	return ram.FromFlash(device, s.board.FlashConfig(), s.board.RAMConfig(), ram.CreateOptions{
		Logger: s.logger,
	})
}

func (s *session) printJSON(render func(writer *jwriter.Writer) error) error {
	writer := jwriter.NewWriter()
	err := render(&writer)
	if err != nil {
		return err
	}
	if err = writer.Error(); err != nil {
		return errors.Wrap(err, "failed to render json")
	}

	_, err = fmt.Fprintln(s.out, string(writer.Bytes()))
	return err
}

func parseNumber(c *cli.Context, index int, name string) (uint64, error) {
	if c.NArg() <= index {
		return 0, errors.Newf("missing %s argument", name)
	}

	arg := c.Args().Get(index)
	value, err := strconv.ParseUint(strings.ReplaceAll(arg, "_", ""), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, arg)
	}
	return value, nil
}

func parseKind(name string) (flash.BlockKind, error) {
	switch strings.ToLower(name) {
	case "component":
		return flash.BlockKindComponent, nil
	case "storage":
		return flash.BlockKindStorage, nil
	}
	return 0, errors.Newf("unknown block kind %q", name)
}

func printStatistics(w io.Writer, name string, stats *memutils.DetailedStatistics) {
	fmt.Fprintf(w, "%s: %d allocations, %d of %d bytes used\n", name, stats.AllocationCount, stats.AllocationBytes, stats.BlockBytes)
	if stats.AllocationCount > 0 {
		fmt.Fprintf(w, "  allocation sizes %d..%d\n", stats.AllocationSizeMin, stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		fmt.Fprintf(w, "  %d free ranges, sizes %d..%d\n", stats.UnusedRangeCount, stats.UnusedRangeSizeMin, stats.UnusedRangeSizeMax)
	}
}

var formatCommand = &cli.Command{
	Name:  "format",
	Usage: "write an erased image for the board",
	Action: func(c *cli.Context) error {
		s, err := newSession(c)
		if err != nil {
			return err
		}

		err = s.save()
		if err != nil {
			return err
		}

		fmt.Fprintf(s.out, "formatted %s: %d bytes in %d pages\n", s.imagePath, s.device.Size(), len(s.device.Pages()))
		return nil
	},
}

var dumpCommand = &cli.Command{
	Name:  "dump",
	Usage: "list the blocks and free lists of the flash image",
	Flags: []cli.Flag{jsonFlag},
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}

		allocator, err := s.inspect()
		if err != nil {
			return err
		}

		if c.Bool("json") {
			return s.printJSON(allocator.PrintDetailedMap)
		}

		config := allocator.Config()
		fmt.Fprintf(s.out, "board %s: flash [%#x, %#x], scan from %#x, %d byte headers\n",
			s.board.Name, config.StartAddr, config.EndAddr, config.StartScanAddr, config.HeaderSize())

		blocks, err := allocator.Blocks().All()
		if err != nil {
			return err
		}
		for _, block := range blocks {
			fmt.Fprintln(s.out, block)
		}

		fmt.Fprintln(s.out, "free blocks per level:")
		return allocator.Dump(s.out)
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "summarize flash and RAM usage",
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}

		flashAllocator, err := s.inspect()
		if err != nil {
			return err
		}
		ramAllocator, err := s.ramAllocator(s.device.ReadOnly())
		if err != nil {
			return err
		}

		var stats memutils.DetailedStatistics
		stats.Clear()
		err = flashAllocator.CalculateStatistics(&stats)
		if err != nil {
			return err
		}
		printStatistics(s.out, "flash", &stats)

		stats.Clear()
		ramAllocator.CalculateStatistics(&stats)
		printStatistics(s.out, "ram", &stats)
		return nil
	},
}

var allocCommand = &cli.Command{
	Name:      "alloc",
	Usage:     "allocate a block large enough for SIZE bytes of data",
	ArgsUsage: "SIZE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Value: "component",
			Usage: "block kind, component or storage",
		},
		&cli.BoolFlag{
			Name:  "finalize",
			Usage: "finalize the block right away",
		},
	},
	Action: func(c *cli.Context) error {
		size, err := parseNumber(c, 0, "size")
		if err != nil {
			return err
		}
		kind, err := parseKind(c.String("kind"))
		if err != nil {
			return err
		}

		s, err := openSession(c)
		if err != nil {
			return err
		}
		allocator, err := s.modify()
		if err != nil {
			return err
		}

		block, err := allocator.Allocate(int(size), kind)
		if err != nil {
			return err
		}

		if c.Bool("finalize") {
			err = allocator.Finalize(block)
			if err != nil {
				return err
			}
			block, err = allocator.Refresh(block)
			if err != nil {
				return err
			}
		}

		err = s.save()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, block)
		return nil
	},
}

var finalizeCommand = &cli.Command{
	Name:      "finalize",
	Usage:     "mark the block containing ADDRESS as completely written",
	ArgsUsage: "ADDRESS",
	Action: func(c *cli.Context) error {
		address, err := parseNumber(c, 0, "address")
		if err != nil {
			return err
		}

		s, err := openSession(c)
		if err != nil {
			return err
		}
		allocator, err := s.modify()
		if err != nil {
			return err
		}

		block, err := allocator.Lookup(uint32(address))
		if err != nil {
			return err
		}
		err = allocator.Finalize(block)
		if err != nil {
			return err
		}

		err = s.save()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "finalized %s\n", block)
		return nil
	},
}

var eraseCommand = &cli.Command{
	Name:      "erase",
	Usage:     "erase the block at ADDRESS, its nominal or its data address",
	ArgsUsage: "ADDRESS",
	Action: func(c *cli.Context) error {
		address, err := parseNumber(c, 0, "address")
		if err != nil {
			return err
		}

		s, err := openSession(c)
		if err != nil {
			return err
		}
		allocator, err := s.modify()
		if err != nil {
			return err
		}

		err = allocator.Deallocate(uint32(address))
		if err != nil {
			return err
		}

		err = s.save()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "erased block at %#x, %d bytes free\n", address, allocator.FreeBytes())
		return nil
	},
}

var ramAllocCommand = &cli.Command{
	Name:      "ram-alloc",
	Usage:     "reserve SIZE bytes of RAM for the component block at ADDRESS",
	ArgsUsage: "ADDRESS SIZE",
	Action: func(c *cli.Context) error {
		address, err := parseNumber(c, 0, "address")
		if err != nil {
			return err
		}
		size, err := parseNumber(c, 1, "size")
		if err != nil {
			return err
		}

		s, err := openSession(c)
		if err != nil {
			return err
		}
		allocator, err := s.ramAllocator(s.device)
		if err != nil {
			return err
		}

		block, err := allocator.Allocate(uint32(address), int(size))
		if err != nil {
			return err
		}

		err = s.save()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, block)
		return nil
	},
}

var ramDumpCommand = &cli.Command{
	Name:  "ram-dump",
	Usage: "list the RAM reservations recorded in the flash image",
	Flags: []cli.Flag{jsonFlag},
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}

		allocator, err := s.ramAllocator(s.device.ReadOnly())
		if err != nil {
			return err
		}

		if c.Bool("json") {
			return s.printJSON(func(writer *jwriter.Writer) error {
				allocator.PrintDetailedMap(writer)
				return nil
			})
		}

		for _, block := range allocator.Reservations() {
			fmt.Fprintln(s.out, block)
		}

		fmt.Fprintln(s.out, "free blocks per level:")
		return allocator.Dump(s.out)
	},
}
