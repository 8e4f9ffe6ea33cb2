package debugger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/flash"
	"github.com/coral-mesh/probe-mcp/internal/safe"
)

// FlashResult describes a completed programming operation.
type FlashResult struct {
	BytesProgrammed    int    `json:"bytes_programmed"`
	ProgrammingTimeMs  int64  `json:"programming_time_ms"`
	VerificationResult bool   `json:"verification_result"`
	Format             string `json:"format,omitempty"`
	Segments           int    `json:"segments,omitempty"`
}

// EraseRequest selects what EraseFlash erases.
type EraseRequest struct {
	All     bool
	Address uint64
	Size    uint64
}

func (s *Session) downloaderOrDefault() *flash.Downloader {
	if s.downloader != nil {
		return s.downloader
	}
	return flash.NewDownloader(s.logger)
}

// FlashBinary writes a raw binary at address through the memory path. The
// whole image must fit in one flash region. verify is reported as given;
// flash_verify does the read-back.
func (s *Session) FlashBinary(ctx context.Context, path string, address uint64, verify bool) (FlashResult, error) {
	const op = "flash_binary"
	start := time.Now()

	s.touch()
	d := s.downloaderOrDefault()
	data, err := safe.ReadFile(path, &safe.ReadFileOptions{MaxSize: d.MaxImageSize})
	if err != nil {
		return FlashResult{}, newError(InvalidConfig, op, "failed to read file", err)
	}
	region, ok := s.target.FlashRegionFor(address)
	if !ok {
		return FlashResult{}, invalidAddress(op, address)
	}
	if end := address + uint64(len(data)); end > region.End() {
		return FlashResult{}, invalidAddress(op, end)
	}

	img, err := flash.ParseImage(data, flash.FormatBin, address)
	if err != nil {
		return FlashResult{}, newError(InvalidConfig, op, "", err)
	}

	res := FlashResult{Format: string(flash.FormatBin), Segments: 1}
	err = s.do(ctx, op, func(ctx context.Context) error {
		seg := img.Segments[0]
		chunk := d.ChunkSize
		if chunk <= 0 {
			chunk = 4096
		}
		for off := 0; off < len(seg.Data); off += chunk {
			end := min(off+chunk, len(seg.Data))
			if err := s.core.Write(ctx, seg.Address+uint64(off), seg.Data[off:end]); err != nil {
				return fmt.Errorf("failed to flash: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return FlashResult{}, err
	}

	res.BytesProgrammed = len(data)
	res.VerificationResult = verify
	res.ProgrammingTimeMs = time.Since(start).Milliseconds()
	s.logger.Info().
		Str("file", path).
		Uint64("address", address).
		Int("bytes", res.BytesProgrammed).
		Msg("Binary flashed")
	return res, nil
}

// FlashELF programs the loadable segments of an ELF file. BytesProgrammed is
// the size of the file.
func (s *Session) FlashELF(ctx context.Context, path string, verify bool) (FlashResult, error) {
	return s.FlashFile(ctx, path, flash.FormatELF, flash.Options{Verify: verify})
}

// FlashHex programs an Intel HEX file.
func (s *Session) FlashHex(ctx context.Context, path string, verify bool) (FlashResult, error) {
	return s.FlashFile(ctx, path, flash.FormatHex, flash.Options{Verify: verify})
}

// FlashFile programs a firmware file in any supported format through the
// driver's flash path.
func (s *Session) FlashFile(ctx context.Context, path string, format flash.Format, opts flash.Options) (FlashResult, error) {
	op := "flash_program"
	if format == flash.FormatELF {
		op = "flash_elf"
	}
	start := time.Now()

	s.touch()
	d := s.downloaderOrDefault()
	img, err := d.Load(path, format, s.target, opts.BaseAddress)
	if err != nil {
		return FlashResult{}, newError(InvalidConfig, op, "", err)
	}

	var dl *flash.Result
	err = s.do(ctx, op, func(ctx context.Context) error {
		var err error
		dl, err = d.Program(ctx, s.core, img, opts)
		if err != nil {
			return fmt.Errorf("failed to flash %s: %w", img.Format, err)
		}
		return nil
	})
	if err != nil {
		return FlashResult{}, err
	}

	res := FlashResult{
		BytesProgrammed:    dl.Bytes,
		VerificationResult: dl.Verified,
		Format:             string(img.Format),
		Segments:           dl.Segments,
	}
	if img.Format == flash.FormatELF {
		fi, err := os.Stat(path)
		if err != nil {
			return FlashResult{}, newError(InvalidConfig, op, "failed to read file metadata", err)
		}
		res.BytesProgrammed = int(fi.Size())
	}
	res.ProgrammingTimeMs = time.Since(start).Milliseconds()
	return res, nil
}

// EraseFlash erases a range of flash, or all of it.
func (s *Session) EraseFlash(ctx context.Context, req EraseRequest) error {
	const op = "flash_erase"
	if !req.All {
		if req.Size == 0 {
			s.touch()
			return newError(InvalidConfig, op, "size is required for a range erase", nil)
		}
		region, ok := s.target.FlashRegionFor(req.Address)
		if !ok {
			s.touch()
			return invalidAddress(op, req.Address)
		}
		if end := req.Address + req.Size; end > region.End() {
			s.touch()
			return invalidAddress(op, end)
		}
	}
	err := s.do(ctx, op, func(ctx context.Context) error {
		if req.All {
			return flash.EraseAll(ctx, s.core)
		}
		return flash.Erase(ctx, s.core, req.Address, req.Size)
	})
	if err == nil {
		s.logger.Info().Bool("all", req.All).Uint64("address", req.Address).Uint64("size", req.Size).Msg("Flash erased")
	}
	return err
}

// VerifyFlash compares target memory at address with expected.
func (s *Session) VerifyFlash(ctx context.Context, address uint64, expected []byte) (flash.VerifyResult, error) {
	var vr flash.VerifyResult
	err := s.do(ctx, "flash_verify", func(ctx context.Context) error {
		var err error
		vr, err = flash.Verify(ctx, s.core, address, expected, s.downloaderOrDefault().ChunkSize)
		return err
	})
	return vr, err
}
