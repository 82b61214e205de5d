package flash

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// analyzeStorage repairs what a reset can leave behind before the free lists are built. Erases that
// were started are finished and corrupt leaf blocks are wiped when their pages allow it. If
// requested, blocks that were never finalized are erased as well.
func (a *Allocator) analyzeStorage(removeUnfinalized bool) error {
	scan := newScanner(a.device, a.config)
	for !scan.done() {
		offset, header, err := scan.next()
		if err != nil {
			return err
		}

		address := a.config.StartAddr + uint32(offset)
		switch {
		case header.Status == HeaderCorrupt:
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "erasing corrupt block header",
				slog.String("address", hexAddress(address)))

			err = a.erasePages(address, a.config.BlockSize)
			if errors.Is(err, ErrPageStraddle) {
				// Allocate erases it before the block is handed out again
				a.logger.LogAttrs(context.Background(), slog.LevelWarn, "corrupt block header shares a page, leaving it",
					slog.String("address", hexAddress(address)))
				err = nil
			}
		case header.Status == HeaderDismissed:
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "finishing interrupted erase",
				slog.String("address", hexAddress(address)),
				slog.Int("level", header.Level))

			err = a.erasePages(address, a.config.LevelSize(header.Level))
		case header.Status == HeaderPending && removeUnfinalized:
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "removing unfinalized block",
				slog.String("address", hexAddress(address)),
				slog.String("kind", header.Kind.String()))

			err = a.dismissAndErase(address, a.config.LevelSize(header.Level))
		}

		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "storage analysis failed",
				slog.String("address", hexAddress(address)),
				slog.Any("error", err))
			return errors.Wrapf(err, "failed to repair block at %#x", address)
		}
	}

	return nil
}
