package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"NetTrafficSentinel/internal/model"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a snapshot message. A snapshot too large for one message is
// split into parts that share the id and epoch fields.
//
//	message Snapshot {
//	  bytes  id          = 1;
//	  int64  epoch_start = 2; // unix nanoseconds
//	  int64  epoch_end   = 3;
//	  uint32 part        = 4;
//	  uint32 parts       = 5;
//	  repeated Record records = 6;
//	}
//	message Record {
//	  bytes  src        = 1; // 4 or 16 bytes
//	  bytes  dst        = 2;
//	  uint64 bytes      = 3;
//	  uint64 packets    = 4;
//	  int64  first_seen = 5;
//	  int64  last_seen  = 6;
//	}
const (
	fieldID         protowire.Number = 1
	fieldEpochStart protowire.Number = 2
	fieldEpochEnd   protowire.Number = 3
	fieldPart       protowire.Number = 4
	fieldParts      protowire.Number = 5
	fieldRecords    protowire.Number = 6

	fieldSrc       protowire.Number = 1
	fieldDst       protowire.Number = 2
	fieldBytes     protowire.Number = 3
	fieldPackets   protowire.Number = 4
	fieldFirstSeen protowire.Number = 5
	fieldLastSeen  protowire.Number = 6
)

// ErrMalformed is returned for messages that do not decode into a snapshot.
var ErrMalformed = errors.New("malformed snapshot message")

// Fragment is one published part of a snapshot.
type Fragment struct {
	Snapshot model.Snapshot // Records holds only this part's records
	Part     int
	Parts    int
}

// EncodeSnapshot splits snap into messages of at most perMessage records. An
// empty snapshot still yields one message.
func EncodeSnapshot(snap model.Snapshot, perMessage int) [][]byte {
	if perMessage <= 0 {
		perMessage = len(snap.Records)
	}
	parts := 1
	if n := len(snap.Records); n > 0 && perMessage > 0 {
		parts = (n + perMessage - 1) / perMessage
	}

	out := make([][]byte, 0, parts)
	for p := 0; p < parts; p++ {
		var recs []model.Record
		if len(snap.Records) > 0 {
			start := p * perMessage
			end := min(start+perMessage, len(snap.Records))
			recs = snap.Records[start:end]
		}
		out = append(out, encodeFragment(snap, p, parts, recs))
	}
	return out
}

func encodeFragment(snap model.Snapshot, part, parts int, recs []model.Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, snap.ID[:])
	b = appendTime(b, fieldEpochStart, snap.EpochStart)
	b = appendTime(b, fieldEpochEnd, snap.EpochEnd)
	b = protowire.AppendTag(b, fieldPart, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(part))
	b = protowire.AppendTag(b, fieldParts, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(parts))

	var rb []byte
	for _, r := range recs {
		rb = rb[:0]
		rb = protowire.AppendTag(rb, fieldSrc, protowire.BytesType)
		rb = protowire.AppendBytes(rb, r.Key.Src.AsSlice())
		rb = protowire.AppendTag(rb, fieldDst, protowire.BytesType)
		rb = protowire.AppendBytes(rb, r.Key.Dst.AsSlice())
		rb = protowire.AppendTag(rb, fieldBytes, protowire.VarintType)
		rb = protowire.AppendVarint(rb, r.Counter.Bytes)
		rb = protowire.AppendTag(rb, fieldPackets, protowire.VarintType)
		rb = protowire.AppendVarint(rb, r.Counter.Packets)
		rb = appendTime(rb, fieldFirstSeen, r.Counter.FirstSeen)
		rb = appendTime(rb, fieldLastSeen, r.Counter.LastSeen)

		b = protowire.AppendTag(b, fieldRecords, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

// DecodeFragment parses one published message.
func DecodeFragment(b []byte) (Fragment, error) {
	var f Fragment
	var snap model.Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(snap.ID) {
				return f, fmt.Errorf("%w: bad id", ErrMalformed)
			}
			copy(snap.ID[:], v)
			b = b[n:]
		case (num == fieldEpochStart || num == fieldEpochEnd || num == fieldPart || num == fieldParts) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case fieldEpochStart:
				snap.EpochStart = time.Unix(0, int64(v))
			case fieldEpochEnd:
				snap.EpochEnd = time.Unix(0, int64(v))
			case fieldPart:
				f.Part = int(v)
			case fieldParts:
				f.Parts = int(v)
			}
			b = b[n:]
		case num == fieldRecords && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			r, err := decodeRecord(v)
			if err != nil {
				return f, err
			}
			snap.Records = append(snap.Records, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if snap.ID == uuid.Nil {
		return f, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	// epoch_end is not guaranteed to precede the records.
	for i := range snap.Records {
		snap.Records[i].EpochEnd = snap.EpochEnd
	}
	f.Snapshot = snap
	return f, nil
}

func decodeRecord(b []byte) (model.Record, error) {
	var r model.Record
	var src, dst netip.Addr
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldSrc || num == fieldDst) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return r, fmt.Errorf("%w: bad address length %d", ErrMalformed, len(v))
			}
			if num == fieldSrc {
				src = addr
			} else {
				dst = addr
			}
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case fieldBytes:
				r.Counter.Bytes = v
			case fieldPackets:
				r.Counter.Packets = v
			case fieldFirstSeen:
				r.Counter.FirstSeen = time.Unix(0, int64(v))
			case fieldLastSeen:
				r.Counter.LastSeen = time.Unix(0, int64(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	key, ok := model.NewFlowKey(src, dst)
	if !ok {
		return r, fmt.Errorf("%w: invalid flow key", ErrMalformed)
	}
	r.Key = key
	return r, nil
}
