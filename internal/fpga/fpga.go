package fpga

import (
	"context"
	"fmt"
	"time"

	"motionhost/internal/motionlog"
)

// Target is the command surface a Programmer drives. It is satisfied
// by *internal/device.SensorProxy; kept as an interface here so the
// ten-step sequence can be exercised against a fake in tests without
// a real transport.
type Target interface {
	FPGAProgOpen(ctx context.Context, cameraMask byte) error
	FPGAProgClose(ctx context.Context, cameraMask byte) error
	FPGAProgErase(ctx context.Context, cameraMask, mode byte) error
	FPGAProgReadStatus(ctx context.Context, cameraMask byte) (uint32, error)
	FPGAProgCfgReset(ctx context.Context, cameraMask byte) error
	FPGAProgCfgWritePages(ctx context.Context, cameraMask byte, pages []byte) error
	FPGAProgCfgReadPage(ctx context.Context, cameraMask byte) ([]byte, error)
	FPGAProgUFMReset(ctx context.Context, cameraMask byte) error
	FPGAProgUFMWritePages(ctx context.Context, cameraMask byte, pages []byte) error
	FPGAProgUFMReadPage(ctx context.Context, cameraMask byte) ([]byte, error)
	FPGAProgFeatrowWrite(ctx context.Context, cameraMask byte, featureRow, feabits []byte) error
	FPGAProgFeatrowRead(ctx context.Context, cameraMask byte) ([]byte, []byte, error)
	FPGAProgSetDone(ctx context.Context, cameraMask byte) error
	FPGAProgRefresh(ctx context.Context, cameraMask byte) error
}

// UpdateError reports a failure at a specific step of the programming
// sequence, carrying a status-register snapshot when one was
// available (ISC_EN / FAIL / BUSY bits), matching FpgaUpdateError's
// diagnostic detail.
type UpdateError struct {
	Step   string
	Status *Status
	Err    error
}

func (e *UpdateError) Error() string {
	if e.Status != nil {
		return fmt.Sprintf("fpga: %s: %v [%s]", e.Step, e.Err, e.Status)
	}
	return fmt.Sprintf("fpga: %s: %v", e.Step, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Status decodes the 32-bit FPGA_PROG_READ_STATUS register.
type Status struct {
	Raw   uint32
	IscEn bool
	Fail  bool
	Busy  bool
}

func decodeStatus(raw uint32) Status {
	return Status{
		Raw:   raw,
		IscEn: raw&(1<<14) != 0,
		Fail:  raw&(1<<13) != 0,
		Busy:  raw&(1<<12) != 0,
	}
}

func (s Status) String() string {
	return fmt.Sprintf("0x%08X ISC_EN=%v FAIL=%v BUSY=%v", s.Raw, boolBit(s.IscEn), boolBit(s.Fail), boolBit(s.Busy))
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ProgressCallback is invoked after each batch of pages is written so
// callers can render a progress bar.
type ProgressCallback func(pagesWritten, totalPages int)

// Programmer drives the page-by-page MachXO2 configuration sequence:
// open, erase, write+verify CFG, write+verify UFM, write+verify
// feature row, set DONE, refresh. Matches FpgaPageProgrammer.
type Programmer struct {
	target         Target
	verify         bool
	eraseMode      byte
	eraseTimeout   time.Duration
	refreshTimeout time.Duration
	log            *motionlog.Logger
}

// NewProgrammer builds a Programmer with the given defaults. verify
// controls whether each sector is read back and compared after
// writing; eraseMode is the sector bitmap passed to FPGA_PROG_ERASE
// (EraseAll covers CFG+UFM+feature row). A nil log falls back to
// motionlog.Default().
func NewProgrammer(target Target, verify bool, eraseMode byte, eraseTimeout, refreshTimeout time.Duration, log *motionlog.Logger) *Programmer {
	if eraseTimeout <= 0 {
		eraseTimeout = 35 * time.Second
	}
	if refreshTimeout <= 0 {
		refreshTimeout = 10 * time.Second
	}
	if log == nil {
		log = motionlog.Default()
	}
	return &Programmer{
		target:         target,
		verify:         verify,
		eraseMode:      eraseMode,
		eraseTimeout:   eraseTimeout,
		refreshTimeout: refreshTimeout,
		log:            log,
	}
}

// ProgramFromJedec parses a JEDEC bitstream and programs it page by
// page. The parsed image's fuse data becomes the CFG sector; Diamond
// JEDEC files for these parts don't carry a separate UFM section.
func (p *Programmer) ProgramFromJedec(ctx context.Context, cameraMask byte, jedecContent []byte, onProgress ProgressCallback) error {
	img, err := ParseJedecFile(jedecContent)
	if err != nil {
		return fmt.Errorf("fpga: parse jedec: %w", err)
	}

	featureRow := img.FeatureRow
	if featureRow == nil {
		featureRow = make([]byte, 8)
	}
	feabits := img.Feabits
	if feabits == nil {
		feabits = make([]byte, 2)
	}

	return p.ProgramRaw(ctx, cameraMask, img.Data, nil, featureRow, feabits, onProgress)
}

// ProgramRaw programs the FPGA from already-decoded sector data. On
// any failure it attempts to close the config interface so the device
// isn't left stranded in config mode (matching program_raw's cleanup
// path).
func (p *Programmer) ProgramRaw(ctx context.Context, cameraMask byte, cfgData, ufmData, featureRow, feabits []byte, onProgress ProgressCallback) error {
	if err := validatePageAligned("cfg_data", cfgData); err != nil {
		return err
	}
	if err := validatePageAligned("ufm_data", ufmData); err != nil {
		return err
	}

	cfgPages := len(cfgData) / XO2FlashPageSize
	ufmPages := len(ufmData) / XO2FlashPageSize
	totalPages := cfgPages + ufmPages
	written := 0

	// Step 1 - open, with a short retry loop since some devices are
	// slow to respond right after connection.
	p.log.Printf("fpga: [1/10] opening config interface")
	var openErr error
	for attempt := 0; attempt < 3; attempt++ {
		openErr = p.target.FPGAProgOpen(ctx, cameraMask)
		if openErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if openErr != nil {
		return &UpdateError{Step: "open", Err: openErr}
	}

	// Diagnostic-only status read right after OPEN; failure to read it
	// doesn't abort the sequence.
	if sr, err := p.target.FPGAProgReadStatus(ctx, cameraMask); err == nil {
		status := decodeStatus(sr)
		p.log.Printf("fpga: status after open: %s", status)
		if status.Fail {
			p.log.Printf("fpga: WARNING: FAIL bit already set after open, proceeding anyway")
		}
	}

	if err := p.programBody(ctx, cameraMask, cfgData, ufmData, featureRow, feabits, cfgPages, ufmPages, totalPages, &written, onProgress); err != nil {
		_ = p.target.FPGAProgClose(ctx, cameraMask)
		return err
	}
	return nil
}

func (p *Programmer) programBody(ctx context.Context, cameraMask byte, cfgData, ufmData, featureRow, feabits []byte, cfgPages, ufmPages, totalPages int, written *int, onProgress ProgressCallback) error {
	// Step 2 - erase.
	p.log.Printf("fpga: [2/10] erasing flash (timeout=%s)", p.eraseTimeout)
	eraseCtx, cancel := context.WithTimeout(ctx, p.eraseTimeout)
	err := p.target.FPGAProgErase(eraseCtx, cameraMask, p.eraseMode)
	cancel()
	if err != nil {
		return &UpdateError{Step: "erase", Status: p.snapshotStatus(ctx, cameraMask), Err: err}
	}

	// Step 3 - write CFG sector in batches.
	p.log.Printf("fpga: [3/10] writing cfg sector: %d pages (batch=%d)", cfgPages, BatchPages)
	if err := p.target.FPGAProgCfgReset(ctx, cameraMask); err != nil {
		return &UpdateError{Step: "cfg reset", Err: err}
	}
	if err := p.writeSectorBatched(ctx, cameraMask, "cfg", cfgData, cfgPages, totalPages, written, onProgress, p.target.FPGAProgCfgWritePages); err != nil {
		return err
	}

	// Step 4 - verify CFG sector.
	if p.verify && cfgPages > 0 {
		p.log.Printf("fpga: [4/10] verifying cfg sector: %d pages", cfgPages)
		if err := p.target.FPGAProgCfgReset(ctx, cameraMask); err != nil {
			return &UpdateError{Step: "cfg reset (verify)", Err: err}
		}
		if err := p.verifySector(ctx, cameraMask, "cfg", cfgData, cfgPages, p.target.FPGAProgCfgReadPage); err != nil {
			return err
		}
	}

	// Step 5/6 - UFM sector, only when present.
	if ufmPages > 0 {
		p.log.Printf("fpga: [5/10] writing ufm sector: %d pages", ufmPages)
		if err := p.target.FPGAProgUFMReset(ctx, cameraMask); err != nil {
			return &UpdateError{Step: "ufm reset", Err: err}
		}
		if err := p.writeSectorBatched(ctx, cameraMask, "ufm", ufmData, ufmPages, totalPages, written, onProgress, p.target.FPGAProgUFMWritePages); err != nil {
			return err
		}
		if p.verify {
			p.log.Printf("fpga: [6/10] verifying ufm sector: %d pages", ufmPages)
			if err := p.target.FPGAProgUFMReset(ctx, cameraMask); err != nil {
				return &UpdateError{Step: "ufm reset (verify)", Err: err}
			}
			if err := p.verifySector(ctx, cameraMask, "ufm", ufmData, ufmPages, p.target.FPGAProgUFMReadPage); err != nil {
				return err
			}
		}
	}

	// Step 7/8 - feature row.
	p.log.Printf("fpga: [7/10] writing feature row")
	if err := p.target.FPGAProgFeatrowWrite(ctx, cameraMask, featureRow, feabits); err != nil {
		return &UpdateError{Step: "feature row write", Err: err}
	}
	if p.verify {
		p.log.Printf("fpga: [8/10] verifying feature row")
		frRead, fbRead, err := p.target.FPGAProgFeatrowRead(ctx, cameraMask)
		if err != nil {
			return &UpdateError{Step: "feature row read-back", Err: err}
		}
		if !bytesEqual(frRead, featureRow) {
			return &UpdateError{Step: "feature row verify", Err: fmt.Errorf("mismatch: expected %x got %x", featureRow, frRead)}
		}
		if !bytesEqual(fbRead, feabits) {
			return &UpdateError{Step: "feabits verify", Err: fmt.Errorf("mismatch: expected %x got %x", feabits, fbRead)}
		}
	}

	// Step 9 - set DONE.
	p.log.Printf("fpga: [9/10] setting done bit")
	if err := p.target.FPGAProgSetDone(ctx, cameraMask); err != nil {
		return &UpdateError{Step: "set done", Err: err}
	}

	// Step 10 - refresh.
	p.log.Printf("fpga: [10/10] refresh (timeout=%s)", p.refreshTimeout)
	refreshCtx, cancel := context.WithTimeout(ctx, p.refreshTimeout)
	err = p.target.FPGAProgRefresh(refreshCtx, cameraMask)
	cancel()
	if err != nil {
		return &UpdateError{Step: "refresh", Err: err}
	}

	p.log.Printf("fpga: programming complete: cfg=%d pages ufm=%d pages", cfgPages, ufmPages)
	return nil
}

type writePagesFunc func(ctx context.Context, cameraMask byte, pages []byte) error

func (p *Programmer) writeSectorBatched(ctx context.Context, cameraMask byte, name string, data []byte, pages, totalPages int, written *int, onProgress ProgressCallback, write writePagesFunc) error {
	i := 0
	for i < pages {
		batch := BatchPages
		if pages-i < batch {
			batch = pages - i
		}
		chunk := data[i*XO2FlashPageSize : (i+batch)*XO2FlashPageSize]
		if err := write(ctx, cameraMask, chunk); err != nil {
			return &UpdateError{Step: fmt.Sprintf("%s write at page %d", name, i), Err: err}
		}
		*written += batch
		i += batch
		if onProgress != nil {
			onProgress(*written, totalPages)
		}
	}
	return nil
}

type readPageFunc func(ctx context.Context, cameraMask byte) ([]byte, error)

func (p *Programmer) verifySector(ctx context.Context, cameraMask byte, name string, data []byte, pages int, read readPageFunc) error {
	for i := 0; i < pages; i++ {
		expected := data[i*XO2FlashPageSize : (i+1)*XO2FlashPageSize]
		got, err := read(ctx, cameraMask)
		if err != nil {
			return &UpdateError{Step: fmt.Sprintf("%s read-back at page %d", name, i), Err: err}
		}
		if !bytesEqual(got, expected) {
			return &UpdateError{Step: fmt.Sprintf("%s verify", name), Err: fmt.Errorf("mismatch at page %d: expected %x got %x", i, expected, got)}
		}
	}
	return nil
}

func (p *Programmer) snapshotStatus(ctx context.Context, cameraMask byte) *Status {
	sr, err := p.target.FPGAProgReadStatus(ctx, cameraMask)
	if err != nil {
		return nil
	}
	status := decodeStatus(sr)
	return &status
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
