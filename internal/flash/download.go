package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/safe"
)

// ErrVerifyFailed is returned when read-back does not match the image.
var ErrVerifyFailed = errors.New("flash verification failed")

// Options controls one download.
type Options struct {
	Verify bool
	// BaseAddress is where raw binaries are placed. Zero means the start
	// of the first flash region.
	BaseAddress uint64
	// SkipErase leaves erasing to the driver's program step.
	SkipErase bool
}

// Result describes a completed download.
type Result struct {
	Format   Format
	Bytes    int
	Segments int
	Entry    uint64
	Verified bool
	Duration time.Duration
}

// Downloader writes firmware images into target memory.
type Downloader struct {
	// MaxImageSize bounds the file size read from disk.
	MaxImageSize int64
	// ChunkSize bounds a single program or verify transfer.
	ChunkSize int
	Logger    zerolog.Logger
}

// NewDownloader creates a downloader with default limits.
func NewDownloader(logger zerolog.Logger) *Downloader {
	return &Downloader{Logger: logger}
}

func (d *Downloader) chunk() int {
	if d.ChunkSize <= 0 {
		return 4096
	}
	return d.ChunkSize
}

// Load reads and parses a firmware file for core's memory map.
func (d *Downloader) Load(path string, format Format, target probe.TargetInfo, base uint64) (*Image, error) {
	data, err := safe.ReadFile(path, &safe.ReadFileOptions{MaxSize: d.MaxImageSize})
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if format == "" || format == FormatAuto {
		format = DetectFormat(path, data)
	}
	if format == FormatBin && base == 0 {
		flash := target.FlashRegions()
		if len(flash) == 0 {
			return nil, fmt.Errorf("target %s has no flash region for a raw binary", target.ChipName)
		}
		base = flash[0].Start
	}
	return ParseImage(data, format, base)
}

// Program writes an already parsed image. Segments must lie in flash or RAM.
func (d *Downloader) Program(ctx context.Context, core probe.Core, img *Image, opts Options) (*Result, error) {
	target := core.Target()
	for _, seg := range img.Segments {
		if err := checkSegment(target, seg); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	fp, hasFlashAlgo := core.(probe.FlashProgrammer)
	for _, seg := range img.Segments {
		_, inFlash := target.FlashRegionFor(seg.Address)
		logger := d.Logger.With().Str("address", fmt.Sprintf("0x%08x", seg.Address)).Int("bytes", len(seg.Data)).Logger()

		switch {
		case inFlash && hasFlashAlgo:
			if !opts.SkipErase {
				if err := fp.EraseFlash(ctx, seg.Address, uint64(len(seg.Data))); err != nil {
					return nil, fmt.Errorf("erase 0x%08x: %w", seg.Address, err)
				}
			}
			if err := d.chunked(seg, func(addr uint64, data []byte) error {
				return fp.ProgramFlash(ctx, addr, data)
			}); err != nil {
				return nil, fmt.Errorf("program 0x%08x: %w", seg.Address, err)
			}
			logger.Debug().Msg("Programmed segment via flash algorithm")
		default:
			if err := d.chunked(seg, func(addr uint64, data []byte) error {
				return core.Write(ctx, addr, data)
			}); err != nil {
				return nil, fmt.Errorf("write 0x%08x: %w", seg.Address, err)
			}
			logger.Debug().Msg("Wrote segment via memory path")
		}
	}
	if hasFlashAlgo {
		if err := fp.FlashDone(ctx); err != nil {
			return nil, fmt.Errorf("finish flash programming: %w", err)
		}
	}

	res := &Result{
		Format:   img.Format,
		Bytes:    img.Size(),
		Segments: len(img.Segments),
		Entry:    img.Entry,
	}
	if opts.Verify {
		for _, seg := range img.Segments {
			vr, err := Verify(ctx, core, seg.Address, seg.Data, d.chunk())
			if err != nil {
				return nil, err
			}
			if !vr.Matched {
				return nil, fmt.Errorf("%w: %d bytes differ, first at 0x%08x", ErrVerifyFailed, vr.Mismatches, vr.FirstMismatch)
			}
		}
		res.Verified = true
	}
	res.Duration = time.Since(start)

	d.Logger.Info().
		Str("format", string(img.Format)).
		Int("bytes", res.Bytes).
		Int("segments", res.Segments).
		Bool("verified", res.Verified).
		Dur("duration", res.Duration).
		Msg("Firmware downloaded")
	return res, nil
}

func (d *Downloader) chunked(seg Segment, fn func(addr uint64, data []byte) error) error {
	size := d.chunk()
	for off := 0; off < len(seg.Data); off += size {
		end := min(off+size, len(seg.Data))
		if err := fn(seg.Address+uint64(off), seg.Data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func checkSegment(target probe.TargetInfo, seg Segment) error {
	for _, r := range target.Memory {
		if r.Contains(seg.Address) {
			if seg.End() > r.End() {
				return fmt.Errorf("segment 0x%08x-0x%08x overruns %s (ends 0x%08x)", seg.Address, seg.End(), r.Name, r.End())
			}
			return nil
		}
	}
	return fmt.Errorf("segment at 0x%08x is outside the memory map of %s", seg.Address, target.ChipName)
}

// MemoryReader is the read half of probe.Core.
type MemoryReader interface {
	Read(ctx context.Context, addr uint64, buf []byte) error
}

// VerifyResult compares target memory against expected bytes.
type VerifyResult struct {
	Matched       bool   `json:"matched"`
	Mismatches    int    `json:"mismatches"`
	FirstMismatch uint64 `json:"first_mismatch,omitempty"`
	BytesChecked  int    `json:"bytes_checked"`
}

// Verify reads back len(expected) bytes at addr in chunks and compares them.
func Verify(ctx context.Context, mem MemoryReader, addr uint64, expected []byte, chunk int) (VerifyResult, error) {
	if chunk <= 0 {
		chunk = 4096
	}
	res := VerifyResult{Matched: true}
	buf := make([]byte, chunk)
	for off := 0; off < len(expected); off += chunk {
		end := min(off+chunk, len(expected))
		got := buf[:end-off]
		if err := mem.Read(ctx, addr+uint64(off), got); err != nil {
			return VerifyResult{}, fmt.Errorf("read back 0x%08x: %w", addr+uint64(off), err)
		}
		want := expected[off:end]
		if !bytes.Equal(got, want) {
			for i := range got {
				if got[i] != want[i] {
					if res.Matched {
						res.FirstMismatch = addr + uint64(off+i)
					}
					res.Matched = false
					res.Mismatches++
				}
			}
		}
		res.BytesChecked += len(got)
	}
	return res, nil
}

// Erase erases size bytes at addr. Cores without a flash algorithm get the
// range filled with 0xFF through the memory path.
func Erase(ctx context.Context, core probe.Core, addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("erase size must be positive")
	}
	if _, ok := core.Target().FlashRegionFor(addr); !ok {
		return fmt.Errorf("0x%08x is not in a flash region", addr)
	}
	if fp, ok := core.(probe.FlashProgrammer); ok {
		if err := fp.EraseFlash(ctx, addr, size); err != nil {
			return err
		}
		return fp.FlashDone(ctx)
	}
	blank := bytes.Repeat([]byte{0xFF}, int(min(size, 4096)))
	for off := uint64(0); off < size; off += uint64(len(blank)) {
		n := min(uint64(len(blank)), size-off)
		if err := core.Write(ctx, addr+off, blank[:n]); err != nil {
			return err
		}
	}
	return nil
}

// EraseAll erases every flash region of the target.
func EraseAll(ctx context.Context, core probe.Core) error {
	regions := core.Target().FlashRegions()
	if len(regions) == 0 {
		return fmt.Errorf("target has no flash regions")
	}
	for _, r := range regions {
		if err := Erase(ctx, core, r.Start, r.Size); err != nil {
			return fmt.Errorf("erase %s: %w", r.Name, err)
		}
	}
	return nil
}
