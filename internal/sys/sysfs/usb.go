// Package sysfs reads USB device information from the /sys filesystem.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultUSBRoot is where the kernel lists USB devices.
const DefaultUSBRoot = "/sys/bus/usb/devices"

// USBDevice is one attached USB device.
type USBDevice struct {
	Name         string `json:"name" yaml:"name"`
	VendorID     uint16 `json:"vendor_id" yaml:"vendor_id"`
	ProductID    uint16 `json:"product_id" yaml:"product_id"`
	Serial       string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Product      string `json:"product,omitempty" yaml:"product,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	// DevicePath is the usbfs node, e.g. /dev/bus/usb/001/004.
	DevicePath string `json:"device_path,omitempty" yaml:"device_path,omitempty"`
	// Kind names the probe family, empty for devices that are not probes.
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

type probeID struct {
	vid, pid uint16
}

// anyPID matches every product of a vendor.
const anyPID = 0xFFFF

var knownProbes = map[probeID]string{
	{0x0483, 0x3748}: "ST-Link/V2",
	{0x0483, 0x374B}: "ST-Link/V2-1",
	{0x0483, 0x374E}: "ST-Link/V3",
	{0x0483, 0x374F}: "ST-Link/V3",
	{0x0483, 0x3753}: "ST-Link/V3",
	{0x0483, 0x3754}: "ST-Link/V3",
	{0x1366, anyPID}: "J-Link",
	{0x0D28, 0x0204}: "CMSIS-DAP",
	{0x2E8A, 0x000C}: "CMSIS-DAP",
	{0x1A86, 0x8010}: "WCH-Link",
	{0x1A86, 0x8012}: "WCH-Link",
	{0x15BA, 0x002A}: "FTDI JTAG",
}

// ProbeKind returns the probe family for a USB device, or "" when the
// device is not a known debug probe.
func ProbeKind(vid, pid uint16, product string) string {
	if k, ok := knownProbes[probeID{vid, pid}]; ok {
		return k
	}
	if k, ok := knownProbes[probeID{vid, anyPID}]; ok {
		return k
	}
	if strings.Contains(strings.ToUpper(product), "CMSIS-DAP") {
		return "CMSIS-DAP"
	}
	return ""
}

// ListUSBDevices reads every device under root. Interface entries and
// unreadable devices are skipped. A missing root (non-Linux hosts) yields
// an empty list.
func ListUSBDevices(root string) ([]USBDevice, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var out []USBDevice
	for _, e := range entries {
		if strings.Contains(e.Name(), ":") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		vid, ok := readHex16(filepath.Join(dir, "idVendor"))
		if !ok {
			continue
		}
		pid, ok := readHex16(filepath.Join(dir, "idProduct"))
		if !ok {
			continue
		}

		dev := USBDevice{
			Name:         e.Name(),
			VendorID:     vid,
			ProductID:    pid,
			Serial:       readAttr(filepath.Join(dir, "serial")),
			Product:      readAttr(filepath.Join(dir, "product")),
			Manufacturer: readAttr(filepath.Join(dir, "manufacturer")),
		}
		bus, errBus := strconv.Atoi(readAttr(filepath.Join(dir, "busnum")))
		num, errNum := strconv.Atoi(readAttr(filepath.Join(dir, "devnum")))
		if errBus == nil && errNum == nil {
			dev.DevicePath = fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, num)
		}
		dev.Kind = ProbeKind(vid, pid, dev.Product)
		out = append(out, dev)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListDebugProbes is ListUSBDevices filtered to known debug probes.
func ListDebugProbes(root string) ([]USBDevice, error) {
	all, err := ListUSBDevices(root)
	if err != nil {
		return nil, err
	}
	probes := all[:0]
	for _, d := range all {
		if d.Kind != "" {
			probes = append(probes, d)
		}
	}
	return probes, nil
}

func readAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readHex16(path string) (uint16, bool) {
	v, err := strconv.ParseUint(readAttr(path), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
