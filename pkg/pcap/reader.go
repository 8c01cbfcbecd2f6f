package pcap

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"NetTrafficSentinel/internal/engine/capture"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads packets from a pcap or pcapng file. It ends with io.EOF.
type Reader struct {
	file   *os.File
	reader packetReader
}

// NewReader opens a capture file. The format is detected from its magic number.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", filePath, err)
	}

	var r packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", filePath, err)
	}
	return &Reader{file: f, reader: r}, nil
}

// ReadPacketData returns the next packet in the file.
func (r *Reader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := r.reader.ReadPacketData()
	if err == io.ErrUnexpectedEOF {
		// A capture cut off mid-record ends like a complete one.
		return nil, ci, io.EOF
	}
	return data, ci, err
}

// LinkType returns the link type recorded in the file header.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// FileOpener returns an opener replaying filePath through the capture loop.
func FileOpener(filePath string) capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		return NewReader(filePath)
	}
}
