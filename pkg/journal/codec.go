package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/wasmkeel/keel/pkg/wasi"
)

// Frame layout, all integers big-endian:
//
//	[length:4] [crc32:4] [version:1] [kind:2] [seq:8] [time:8] [payload JSON]
//
// length counts everything after itself. crc32 (IEEE) covers everything after
// itself. The kind tag plus the self-describing length make streams skippable
// by readers that do not recognize a tag.
const (
	codecVersion byte = 1

	frameHeaderSize = 4 + 1 + 2 + 8 + 8 // crc + version + kind + seq + time
	lengthSize      = 4

	// maxFrameSize bounds a single entry. Payloads are bounded by guest
	// linear memory; anything larger is corruption.
	maxFrameSize = 256 << 20
)

// Codec errors.
var (
	ErrCorruptFrame    = errors.New("journal: corrupt frame")
	ErrFrameTooLarge   = errors.New("journal: frame exceeds size limit")
	ErrVersionMismatch = errors.New("journal: unsupported frame version")
)

// Encode serializes one entry into a self-contained frame.
func Encode(e *Entry) ([]byte, error) {
	if e == nil || e.Payload == nil {
		return nil, &SerializationError{Reason: "nil entry"}
	}

	tag := uint16(e.Kind())
	var payload []byte
	if u, ok := e.Payload.(Unknown); ok {
		// Foreign entries round-trip byte for byte under their original tag
		// so a newer reader can still interpret a rewritten stream.
		tag = u.Tag
		payload = u.Raw
	} else {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return nil, &SerializationError{Seq: e.Seq, Reason: "marshal payload", Err: err}
		}
	}

	body := make([]byte, 0, frameHeaderSize-4+len(payload))
	body = append(body, codecVersion)
	body = binary.BigEndian.AppendUint16(body, tag)
	body = binary.BigEndian.AppendUint64(body, e.Seq)
	body = binary.BigEndian.AppendUint64(body, uint64(e.Time))
	body = append(body, payload...)

	crc := crc32.ChecksumIEEE(body)

	frame := make([]byte, 0, lengthSize+4+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(4+len(body)))
	frame = binary.BigEndian.AppendUint32(frame, crc)
	frame = append(frame, body...)
	return frame, nil
}

// Decode parses a frame produced by Encode. The frame excludes the 4-byte
// length prefix. An unrecognized kind tag yields an entry with an Unknown
// payload rather than an error, so newer streams remain readable.
func Decode(frame []byte) (*Entry, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrCorruptFrame
	}

	wantCRC := binary.BigEndian.Uint32(frame[:4])
	body := frame[4:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, ErrCorruptFrame
	}

	if body[0] != codecVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, body[0])
	}

	kind := Kind(binary.BigEndian.Uint16(body[1:3]))
	seq := binary.BigEndian.Uint64(body[3:11])
	ts := binary.BigEndian.Uint64(body[11:19])
	payload := body[19:]

	p, err := decodePayload(kind, payload)
	if err != nil {
		return nil, &SerializationError{Seq: seq, Reason: "decode " + kind.String(), Err: err}
	}

	return &Entry{Seq: seq, Time: wasi.Timestamp(ts), Payload: p}, nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it. A clean
// end of input returns io.EOF; a torn or corrupt frame returns
// io.ErrUnexpectedEOF or ErrCorruptFrame so callers can distinguish a crashed
// tail from a healthy end of stream.
func ReadFrame(r io.Reader) (*Entry, error) {
	var lenBuf [lengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < frameHeaderSize {
		return nil, ErrCorruptFrame
	}
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return Decode(frame)
}

func decodePayload(kind Kind, data []byte) (Payload, error) {
	unmarshal := func(v Payload) (Payload, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	}

	switch kind {
	case KindFdOpen:
		return deref(unmarshal(&FdOpen{}))
	case KindFdClose:
		return deref(unmarshal(&FdClose{}))
	case KindFdSeek:
		return deref(unmarshal(&FdSeek{}))
	case KindFdSetRights:
		return deref(unmarshal(&FdSetRights{}))
	case KindFdSetFlags:
		return deref(unmarshal(&FdSetFlags{}))
	case KindFdRead:
		return deref(unmarshal(&FdRead{}))
	case KindFdWrite:
		return deref(unmarshal(&FdWrite{}))
	case KindSockBind:
		return deref(unmarshal(&SockBind{}))
	case KindSockConnect:
		return deref(unmarshal(&SockConnect{}))
	case KindSockListen:
		return deref(unmarshal(&SockListen{}))
	case KindSockAccept:
		return deref(unmarshal(&SockAccept{}))
	case KindSockSend:
		return deref(unmarshal(&SockSend{}))
	case KindSockRecv:
		return deref(unmarshal(&SockRecv{}))
	case KindSockShutdown:
		return deref(unmarshal(&SockShutdown{}))
	case KindThreadSpawn:
		return deref(unmarshal(&ThreadSpawn{}))
	case KindThreadExit:
		return deref(unmarshal(&ThreadExit{}))
	case KindProcessExit:
		return deref(unmarshal(&ProcessExit{}))
	case KindSignalDelivered:
		return deref(unmarshal(&SignalDelivered{}))
	case KindMemorySnapshot:
		return deref(unmarshal(&MemorySnapshot{}))
	case KindMemoryDiff:
		return deref(unmarshal(&MemoryDiff{}))
	case KindClockRead:
		return deref(unmarshal(&ClockRead{}))
	case KindRandomSeed:
		return deref(unmarshal(&RandomSeed{}))
	case KindEnvSnapshot:
		return deref(unmarshal(&EnvSnapshot{}))
	case KindArgvSnapshot:
		return deref(unmarshal(&ArgvSnapshot{}))
	case KindCheckpointBegin:
		return deref(unmarshal(&CheckpointBegin{}))
	case KindCheckpointEnd:
		return deref(unmarshal(&CheckpointEnd{}))
	default:
		// Forward compatibility: preserve the raw bytes so a newer reader
		// could still interpret them.
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Tag: uint16(kind), Raw: raw}, nil
	}
}

// deref converts the pointer used for unmarshaling back into the value form
// payloads are passed around as.
func deref(p Payload, err error) (Payload, error) {
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case *FdOpen:
		return *v, nil
	case *FdClose:
		return *v, nil
	case *FdSeek:
		return *v, nil
	case *FdSetRights:
		return *v, nil
	case *FdSetFlags:
		return *v, nil
	case *FdRead:
		return *v, nil
	case *FdWrite:
		return *v, nil
	case *SockBind:
		return *v, nil
	case *SockConnect:
		return *v, nil
	case *SockListen:
		return *v, nil
	case *SockAccept:
		return *v, nil
	case *SockSend:
		return *v, nil
	case *SockRecv:
		return *v, nil
	case *SockShutdown:
		return *v, nil
	case *ThreadSpawn:
		return *v, nil
	case *ThreadExit:
		return *v, nil
	case *ProcessExit:
		return *v, nil
	case *SignalDelivered:
		return *v, nil
	case *MemorySnapshot:
		return *v, nil
	case *MemoryDiff:
		return *v, nil
	case *ClockRead:
		return *v, nil
	case *RandomSeed:
		return *v, nil
	case *EnvSnapshot:
		return *v, nil
	case *ArgvSnapshot:
		return *v, nil
	case *CheckpointBegin:
		return *v, nil
	case *CheckpointEnd:
		return *v, nil
	}
	return p, nil
}
