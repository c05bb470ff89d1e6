package ingress

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.zx2c4.com/wireguard/tun"
)

var _ tun.Device = (*PcapDevice)(nil)

// PcapDevice wraps a TUN device and records every packet read from it
// (before hooks run) and written to it (after hooks ran) to a pcap file.
type PcapDevice struct {
	dev tun.Device
	f   io.Closer

	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewPcapDevice creates pcapPath and returns dev wrapped with a recorder.
func NewPcapDevice(dev tun.Device, pcapPath string) (*PcapDevice, error) {
	f, err := os.Create(pcapPath)
	if err != nil {
		return nil, err
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, err
	}

	return &PcapDevice{
		dev: dev,
		f:   f,
		w:   w,
	}, nil
}

func (d *PcapDevice) record(pkt []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w.WritePacket(ci, pkt)
}

func (d *PcapDevice) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		if len(buf) <= offset {
			slog.Warn("PcapDevice.Write: skipping short buffer",
				slog.Int("len", len(buf)), slog.Int("offset", offset))
			continue
		}
		if err := d.record(buf[offset:]); err != nil {
			return 0, fmt.Errorf("failed to write packet: %w", err)
		}
	}

	return d.dev.Write(bufs, offset)
}

func (d *PcapDevice) Read(bufs [][]byte, sizes []int, offset int) (n int, err error) {
	n, err = d.dev.Read(bufs, sizes, offset)
	if err != nil {
		return n, err
	}

	for i := 0; i < n; i++ {
		if len(bufs[i]) < offset+sizes[i] {
			slog.Warn("PcapDevice.Read: skipping short buffer",
				slog.Int("len", len(bufs[i])), slog.Int("offset", offset), slog.Int("size", sizes[i]))
			continue
		}
		if err := d.record(bufs[i][offset : offset+sizes[i]]); err != nil {
			return 0, fmt.Errorf("failed to write packet: %w", err)
		}
	}

	return n, nil
}

func (d *PcapDevice) BatchSize() int {
	return d.dev.BatchSize()
}

// Close closes the wrapped device and the capture file.
func (d *PcapDevice) Close() error {
	err := d.dev.Close()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *PcapDevice) Events() <-chan tun.Event {
	return d.dev.Events()
}

func (d *PcapDevice) File() *os.File {
	return d.dev.File()
}

func (d *PcapDevice) MTU() (int, error) {
	return d.dev.MTU()
}

func (d *PcapDevice) Name() (string, error) {
	return d.dev.Name()
}
