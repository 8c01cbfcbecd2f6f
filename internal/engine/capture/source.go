package capture

import (
	"context"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrReadTimeout is returned by a Source when no packet arrived within its read
// timeout. The capture loop treats it as an idle tick.
var ErrReadTimeout = errors.New("packet read timeout")

// Source is an open packet handle, live or offline. io.EOF from ReadPacketData
// marks the end of an offline source.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close() error
}

// ZeroCopySource is implemented by sources that can hand out a buffer that is
// only valid until the next read.
type ZeroCopySource interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// DropStats are the drop counters reported by the kernel for a live handle.
type DropStats struct {
	Dropped   uint64
	IfDropped uint64
}

// DropCounter is implemented by sources that expose kernel drop counters.
// Counters are cumulative for the lifetime of the handle.
type DropCounter interface {
	DropStats() (DropStats, error)
}

// Opener opens a fresh Source. It is called once at start and again on every
// reopen attempt.
type Opener func(ctx context.Context) (Source, error)
