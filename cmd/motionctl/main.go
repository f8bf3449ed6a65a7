// Command motionctl is a thin command-line front end over the MOTION
// host library: open a device, program an FPGA, drive a DFU firmware
// update, or fetch a firmware release from GitHub. It mirrors the
// flag-declarations + mode-dispatch shape of guiperry-HASHER's
// cmd/driver/hasher-host/main.go without that program's HTTP-server
// and SSH-deployment machinery, since this tool talks to one device
// at a time from the operator's own machine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gousb"

	"motionhost/internal/config"
	"motionhost/internal/device"
	"motionhost/internal/dfu"
	"motionhost/internal/dispatch"
	"motionhost/internal/fpga"
	"motionhost/internal/motionconfig"
	"motionhost/internal/motionlog"
	"motionhost/internal/release"
	"motionhost/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmdName, args := os.Args[1], os.Args[2:]

	var err error
	switch cmdName {
	case "status":
		err = runStatus(args)
	case "fpga-program":
		err = runFPGAProgram(args)
	case "dfu-flash":
		err = runDFUFlash(args)
	case "release-list":
		err = runReleaseList(args)
	case "release-latest":
		err = runReleaseLatest(args)
	case "release-download":
		err = runReleaseDownload(args)
	case "config-decode":
		err = runConfigDecode(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "motionctl: unknown command %q\n", cmdName)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Printf("motionctl: %s: %v", cmdName, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: motionctl <command> [flags]

commands:
  status             ping a device and print its version and hardware id
  fpga-program       program a sensor's FPGA from a JEDEC file
  dfu-flash          drive a device through a DFU firmware update
  release-list       list GitHub releases for a repo
  release-latest     print the latest non-prerelease release
  release-download   download a named asset from a release
  config-decode      decode a motion config wire blob file to JSON

Run "motionctl <command> -h" for flags on a specific command.`)
}

// usbDeviceHandle bundles everything opened to reach a real device so
// callers can tear it down in reverse order in one place.
type usbDeviceHandle struct {
	ctx       *gousb.Context
	composite *transport.UsbComposite
	transport *transport.UsbTransport
	dispatch  *dispatch.Dispatcher
}

func (h *usbDeviceHandle) Close() {
	if h == nil {
		return
	}
	if h.transport != nil {
		h.transport.Disconnect()
	}
	if h.composite != nil {
		h.composite.Close()
	}
	if h.ctx != nil {
		h.ctx.Close()
	}
}

func openUSBDevice(vendorID, productID uint16, timeout time.Duration) (*dispatch.Dispatcher, *usbDeviceHandle, error) {
	ctx := gousb.NewContext()
	composite, err := transport.OpenUsbComposite(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil {
		ctx.Close()
		return nil, nil, fmt.Errorf("open usb device %04x:%04x: %w", vendorID, productID, err)
	}
	tr := transport.NewUsbTransport(composite)
	if err := tr.Connect(); err != nil {
		composite.Close()
		ctx.Close()
		return nil, nil, fmt.Errorf("claim command interface: %w", err)
	}
	d := dispatch.New(tr, dispatch.ModeSynchronous, timeout, motionlog.Default())
	handle := &usbDeviceHandle{ctx: ctx, composite: composite, transport: tr, dispatch: d}
	return d, handle, nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	demo := fs.Bool("demo", false, "run against an in-memory stub instead of a real device")
	camera := fs.Bool("camera", false, "address a sensor board instead of the console board")
	vendorID, productID := hostIDFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadHostConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()

	var base *device.Base
	var handle *usbDeviceHandle
	if *demo {
		b := device.NewBase(nil, cfg.CommandTimeout, motionlog.Default())
		b.DemoMode = true
		base = &b
	} else {
		d, h, err := openUSBDevice(resolveVendorID(cfg, *vendorID), resolveProductID(cfg, *productID), cfg.CommandTimeout)
		if err != nil {
			return err
		}
		handle = h
		defer handle.Close()
		if *camera {
			sp := device.NewSensorProxy(d, cfg.CommandTimeout, motionlog.Default())
			base = &sp.Base
		} else {
			cp := device.NewConsoleProxy(d, cfg.CommandTimeout, motionlog.Default())
			base = &cp.Base
		}
	}

	ok, err := base.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Printf("ping: %v\n", ok)

	ver, err := base.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	fmt.Printf("version: %s\n", ver)

	hwID, err := base.GetHardwareID(ctx)
	if err != nil {
		return fmt.Errorf("get hardware id: %w", err)
	}
	fmt.Printf("hardware id: %x\n", hwID)
	return nil
}

func runFPGAProgram(args []string) error {
	fs := flag.NewFlagSet("fpga-program", flag.ExitOnError)
	demo := fs.Bool("demo", false, "run against an in-memory stub instead of a real device")
	jedecPath := fs.String("jedec", "", "path to a JEDEC (.jed) bitstream file")
	cameraMask := fs.Int("camera-mask", 0x01, "camera position bitmask to program")
	verify := fs.Bool("verify", true, "read back and verify each sector after writing")
	eraseTimeout := fs.Duration("erase-timeout", 35*time.Second, "timeout for the erase step")
	refreshTimeout := fs.Duration("refresh-timeout", 10*time.Second, "timeout for the refresh step")
	vendorID, productID := hostIDFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jedecPath == "" {
		return fmt.Errorf("-jedec is required")
	}
	mask, err := device.ValidateCameraMask(*cameraMask)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(*jedecPath)
	if err != nil {
		return fmt.Errorf("read jedec file: %w", err)
	}

	cfg, err := config.LoadHostConfig()
	if err != nil {
		return err
	}

	var target fpga.Target
	var handle *usbDeviceHandle
	if *demo {
		sp := device.NewSensorProxy(nil, cfg.CommandTimeout, motionlog.Default())
		sp.DemoMode = true
		target = sp
	} else {
		d, h, err := openUSBDevice(resolveVendorID(cfg, *vendorID), resolveProductID(cfg, *productID), cfg.CommandTimeout)
		if err != nil {
			return err
		}
		handle = h
		defer handle.Close()
		target = device.NewSensorProxy(d, cfg.CommandTimeout, motionlog.Default())
	}

	programmer := fpga.NewProgrammer(target, *verify, fpga.EraseAll, *eraseTimeout, *refreshTimeout, motionlog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), *eraseTimeout+*refreshTimeout+30*time.Second)
	defer cancel()

	err = programmer.ProgramFromJedec(ctx, mask, content, func(written, total int) {
		fmt.Printf("progress: %d/%d pages\n", written, total)
	})
	if err != nil {
		return err
	}
	fmt.Println("fpga programming complete")
	return nil
}

func runDFUFlash(args []string) error {
	fs := flag.NewFlagSet("dfu-flash", flag.ExitOnError)
	firmware := fs.String("firmware", "", "path to the firmware image to flash")
	flasherPath := fs.String("flasher", "", "path to the dfu-util binary (default from config)")
	address := fs.String("address", dfu.DefaultAddress, "flash base address")
	alt := fs.Int("alt", 0, "DFU alternate setting")
	leave := fs.Bool("leave", true, "append :leave so the device runs the new firmware after download")
	usbReset := fs.Bool("usb-reset", true, "issue a USB reset after download")
	requestDFU := fs.Bool("request-dfu", false, "ask a running device to enter its bootloader first")
	wait := fs.Duration("wait", 5*time.Second, "settle time after requesting DFU mode")
	enumTimeout := fs.Duration("enum-timeout", 30*time.Second, "time to wait for the device to re-enumerate in DFU mode")
	vendorID, productID := hostIDFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *firmware == "" {
		return fmt.Errorf("-firmware is required")
	}

	cfg, err := config.LoadHostConfig()
	if err != nil {
		return err
	}
	if *flasherPath == "" {
		*flasherPath = cfg.DFUFlasherPath
	}

	var enterDFU dfu.EnterDFUFunc
	var handle *usbDeviceHandle
	if *requestDFU {
		d, h, err := openUSBDevice(resolveVendorID(cfg, *vendorID), resolveProductID(cfg, *productID), cfg.CommandTimeout)
		if err != nil {
			return err
		}
		handle = h
		defer handle.Close()
		base := device.NewBase(d, cfg.CommandTimeout, motionlog.Default())
		enterDFU = base.EnterDFU
	}

	supervisor := dfu.NewSupervisor(*flasherPath, "", enterDFU, motionlog.Default())
	opts := dfu.RunOptions{
		FirmwarePath:   *firmware,
		WaitAfterEnter: *wait,
		EnumTimeout:    *enumTimeout,
		FlashOpts: dfu.FlashOptions{
			Address:         *address,
			Alt:             *alt,
			Leave:           *leave,
			UsbReset:        *usbReset,
			NormalizeSuffix: true,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+*enumTimeout+2*time.Minute)
	defer cancel()

	state, result, err := supervisor.Run(ctx, opts, func(p dfu.Progress) {
		if p.Percent >= 0 {
			fmt.Printf("%s: %d%%\n", p.Phase, p.Percent)
		}
	})
	fmt.Printf("final state: %s\n", state)
	if err != nil {
		return err
	}
	fmt.Printf("exit code: %d, success: %v\n", result.ExitCode, result.Success)
	return nil
}

func releaseClientFlags(fs *flag.FlagSet) (owner, repo *string) {
	owner = fs.String("owner", "", "GitHub repository owner")
	repo = fs.String("repo", "", "GitHub repository name")
	return
}

func runReleaseList(args []string) error {
	fs := flag.NewFlagSet("release-list", flag.ExitOnError)
	owner, repo := releaseClientFlags(fs)
	includePrerelease := fs.Bool("include-prerelease", false, "include prerelease tags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *repo == "" {
		return fmt.Errorf("-owner and -repo are required")
	}

	c := release.NewClient(*owner, *repo, nil, motionlog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	releases, err := c.ListReleases(ctx, *includePrerelease)
	if err != nil {
		return err
	}
	for _, r := range releases {
		fmt.Printf("%s\t%s\n", r.TagName, r.Name)
	}
	return nil
}

func runReleaseLatest(args []string) error {
	fs := flag.NewFlagSet("release-latest", flag.ExitOnError)
	owner, repo := releaseClientFlags(fs)
	includePrerelease := fs.Bool("include-prerelease", false, "allow a prerelease to count as latest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *repo == "" {
		return fmt.Errorf("-owner and -repo are required")
	}

	c := release.NewClient(*owner, *repo, nil, motionlog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, err := c.GetLatestRelease(ctx, *includePrerelease)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", r.TagName, r.Name)
	for _, a := range r.Assets {
		fmt.Printf("  %s\n", a.Name)
	}
	return nil
}

func runReleaseDownload(args []string) error {
	fs := flag.NewFlagSet("release-download", flag.ExitOnError)
	owner, repo := releaseClientFlags(fs)
	tag := fs.String("tag", "", "release tag to download from")
	asset := fs.String("asset", "", "asset file name to download")
	outDir := fs.String("out", ".", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *repo == "" || *tag == "" || *asset == "" {
		return fmt.Errorf("-owner, -repo, -tag and -asset are all required")
	}

	c := release.NewClient(*owner, *repo, nil, motionlog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	r, err := c.GetReleaseByTag(ctx, *tag)
	if err != nil {
		return err
	}
	path, err := c.DownloadAsset(ctx, r, *asset, *outDir)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runConfigDecode(args []string) error {
	fs := flag.NewFlagSet("config-decode", flag.ExitOnError)
	path := fs.String("file", "", "path to a motion config wire blob")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	cfg, err := motionconfig.Decode(data, motionlog.Default())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(cfg.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("seq=%d crc=0x%04X\n%s\n", cfg.Header.Seq, cfg.Header.CRC, out)
	return nil
}

func hostIDFlags(fs *flag.FlagSet) (vendorID, productID *uint) {
	vendorID = fs.Uint("vendor-id", 0, "USB vendor id override (0 = use config/.env default)")
	productID = fs.Uint("product-id", 0, "USB product id override (0 = use config/.env default)")
	return
}

func resolveVendorID(cfg *config.HostConfig, override uint) uint16 {
	if override != 0 {
		return uint16(override)
	}
	return cfg.VendorID
}

func resolveProductID(cfg *config.HostConfig, override uint) uint16 {
	if override != 0 {
		return uint16(override)
	}
	return cfg.ProductID
}
