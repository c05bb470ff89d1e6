package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

const (
	tunOffset = device.MessageTransportHeaderSize

	// DefaultMTU is the packet buffer size used when none is configured.
	DefaultMTU = 1500
)

var errDeviceClosed = errors.New("TUN device closed")

// TUN is a Framework backed by a TUN device. Packets read from the device are
// dispatched by IP version to the IPv4 or IPv6 hook chain and written back to
// the device unless a hook drops them.
type TUN struct {
	dev  tun.Device
	mtu  int
	ipv4 Chain
	ipv6 Chain
}

var _ Framework = (*TUN)(nil)

// TUNOption configures a TUN framework.
type TUNOption func(*TUN)

// WithMTU sets the packet buffer size.
func WithMTU(mtu int) TUNOption {
	return func(t *TUN) {
		if mtu > 0 {
			t.mtu = mtu
		}
	}
}

// NewTUN returns a framework reading from and writing to dev.
func NewTUN(dev tun.Device, opts ...TUNOption) *TUN {
	t := &TUN{
		dev: dev,
		mtu: DefaultMTU,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Head implements Framework.
func (t *TUN) Head(f rewrite.Family) (Head, error) {
	switch f {
	case rewrite.IPv4:
		return &t.ipv4, nil
	case rewrite.IPv6:
		return &t.ipv6, nil
	}
	return nil, fmt.Errorf("%w: no %s ingress head", rewrite.ErrNotFound, f)
}

// Dispatch runs pkt through the hook chain selected by its version field.
// Packets of any other version are accepted untouched.
func (t *TUN) Dispatch(pkt []byte) Verdict {
	if len(pkt) == 0 {
		return Accept
	}
	switch pkt[0] >> 4 {
	case 4:
		return t.ipv4.Run(pkt)
	case 6:
		return t.ipv6.Run(pkt)
	}
	return Accept
}

// Run processes packets until ctx is done or the device is closed. The device
// is closed when Run returns.
func (t *TUN) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		slog.Debug("Closing TUN device")
		if err := t.dev.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("failed to close TUN device: %w", err)
		}
		return nil
	})

	g.Go(t.loop)

	if err := g.Wait(); err != nil &&
		!(errors.Is(err, context.Canceled) || errors.Is(err, errDeviceClosed) || errors.Is(err, net.ErrClosed)) {
		return err
	}
	return nil
}

func (t *TUN) loop() error {
	batchSize := t.dev.BatchSize()

	sizes := make([]int, batchSize)
	bufs := make([][]byte, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+t.mtu)
	}
	out := make([][]byte, 0, batchSize)

	for {
		n, err := t.dev.Read(bufs, sizes, tunOffset)
		if err != nil {
			if errors.Is(err, tun.ErrTooManySegments) {
				slog.Warn("Dropped packets from multi-segment TUN read", slog.Any("error", err))
				continue
			}
			if errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "closed") {
				return errDeviceClosed
			}
			return fmt.Errorf("failed to read from TUN: %w", err)
		}

		out = out[:0]
		for i := 0; i < n; i++ {
			pkt := bufs[i][tunOffset : tunOffset+sizes[i]]
			if t.Dispatch(pkt) == Drop {
				slog.Debug("Dropped packet", slog.Int("len", sizes[i]))
				continue
			}
			out = append(out, bufs[i][:tunOffset+sizes[i]])
		}
		if len(out) == 0 {
			continue
		}

		if _, err := t.dev.Write(out, tunOffset); err != nil {
			if errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "closed") {
				return errDeviceClosed
			}
			slog.Error("Failed to write to TUN", slog.Any("error", err))
		}
	}
}
