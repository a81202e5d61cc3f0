// Package wire encodes and decodes the dync upload protocol's seven wire
// messages as multi-frame binary records. Frame 0 is always an ASCII command
// tag; later frames are positional arguments. Fixed-width integers are
// big-endian. Strings must be valid UTF-8.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Tag identifies a message type. It is also frame 0 on the wire, verbatim.
type Tag string

const (
	TagPostFile        Tag = "post-file"
	TagPostChunk       Tag = "post-chunk"
	TagQueryStatus     Tag = "query-status"
	TagError           Tag = "error"
	TagUploadApproved  Tag = "upload-approved"
	TagTransferCredit  Tag = "transfer-credit"
	TagStatusReport    Tag = "status-report"
	TagUploadFinished  Tag = "upload-finished"
)

// LastChunkFlag is the only bit post-chunk flags may carry (post-file flags
// must be zero): it marks a post-chunk as carrying the final bytes of the
// upload.
const LastChunkFlag uint32 = 1

var (
	// ErrUnknownTag means frame 0 did not match any known message tag.
	// Per spec, this indicates version skew and is always a protocol error,
	// never silently ignored.
	ErrUnknownTag = errors.New("wire: unknown message tag")

	// ErrFrameCount means the message did not carry the frame count its tag requires.
	ErrFrameCount = errors.New("wire: wrong frame count")

	// ErrFieldLength means a fixed-width integer frame had the wrong byte length.
	ErrFieldLength = errors.New("wire: field has wrong length")

	// ErrInvalidUTF8 means a string frame was not valid UTF-8.
	ErrInvalidUTF8 = errors.New("wire: field is not valid UTF-8")

	// ErrBadFlags means flags carried bits outside the schema's allowed set.
	ErrBadFlags = errors.New("wire: flags field carries unsupported bits")

	// ErrChecksumFraming means post-chunk's optional checksum trailer was
	// present/absent in contradiction to the last-chunk flag.
	ErrChecksumFraming = errors.New("wire: checksum trailer framing mismatch")
)

// ChecksumSize is the length in bytes of a SHA-256 digest.
const ChecksumSize = 32

// Message is the decoded form of any of the seven wire messages.
// Exactly one of the typed fields below is meaningful, selected by Tag.
type Message struct {
	Tag Tag

	// post-file
	Filename string
	MetaJSON []byte

	// post-chunk
	Flags    uint32
	Seek     uint64
	Data     []byte
	Checksum []byte // len==ChecksumSize iff LastChunkFlag set, else nil

	// error
	Code uint32
	Msg  string

	// upload-approved
	Credit    uint32
	Chunksize uint32
	Maxqueue  uint32

	// transfer-credit
	Amount uint32

	// status-report
	// (reuses Seek, Credit)

	// upload-finished
	UploadID string
}

// Encode serializes m into a slice of frames suitable for framed transport
// delivery (frame 0 is always the ASCII tag).
func Encode(m Message) ([][]byte, error) {
	switch m.Tag {
	case TagPostFile:
		if !utf8.ValidString(m.Filename) {
			return nil, fmt.Errorf("%w: filename", ErrInvalidUTF8)
		}
		if !utf8.Valid(m.MetaJSON) {
			return nil, fmt.Errorf("%w: meta", ErrInvalidUTF8)
		}
		return [][]byte{
			[]byte(m.Tag),
			encodeU32(0), // flags reserved, always zero on post-file today
			[]byte(m.Filename),
			m.MetaJSON,
		}, nil

	case TagPostChunk:
		if m.Flags&^LastChunkFlag != 0 {
			return nil, ErrBadFlags
		}
		isLast := m.Flags&LastChunkFlag != 0
		if isLast && len(m.Checksum) != ChecksumSize {
			return nil, fmt.Errorf("%w: last chunk missing trailer", ErrChecksumFraming)
		}
		if !isLast && len(m.Checksum) != 0 {
			return nil, fmt.Errorf("%w: non-last chunk carries trailer", ErrChecksumFraming)
		}
		frames := [][]byte{
			[]byte(m.Tag),
			encodeU32(m.Flags),
			encodeU64(m.Seek),
			m.Data,
		}
		if isLast {
			frames = append(frames, m.Checksum)
		}
		return frames, nil

	case TagQueryStatus:
		return [][]byte{[]byte(m.Tag)}, nil

	case TagError:
		if !utf8.ValidString(m.Msg) {
			return nil, fmt.Errorf("%w: msg", ErrInvalidUTF8)
		}
		return [][]byte{[]byte(m.Tag), encodeU32(m.Code), []byte(m.Msg)}, nil

	case TagUploadApproved:
		return [][]byte{
			[]byte(m.Tag),
			encodeU32(m.Credit),
			encodeU32(m.Chunksize),
			encodeU32(m.Maxqueue),
		}, nil

	case TagTransferCredit:
		return [][]byte{[]byte(m.Tag), encodeU32(m.Amount)}, nil

	case TagStatusReport:
		return [][]byte{[]byte(m.Tag), encodeU64(m.Seek), encodeU32(m.Credit)}, nil

	case TagUploadFinished:
		if !utf8.ValidString(m.UploadID) {
			return nil, fmt.Errorf("%w: upload_id", ErrInvalidUTF8)
		}
		return [][]byte{[]byte(m.Tag), []byte(m.UploadID)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, m.Tag)
	}
}

// Decode parses frames (as delivered by the transport layer) into a Message.
// It rejects wrong frame counts, unknown tags, malformed fixed-width fields,
// and invalid UTF-8 in string fields — all of these are protocol errors.
func Decode(frames [][]byte) (Message, error) {
	if len(frames) == 0 {
		return Message{}, ErrFrameCount
	}

	tag := Tag(frames[0])

	switch tag {
	case TagPostFile:
		if len(frames) != 4 {
			return Message{}, fmt.Errorf("%w: post-file wants 4 frames, got %d", ErrFrameCount, len(frames))
		}
		flags, err := decodeU32(frames[1])
		if err != nil {
			return Message{}, err
		}
		if flags != 0 {
			return Message{}, ErrBadFlags
		}
		filename := frames[2]
		if !utf8.Valid(filename) {
			return Message{}, fmt.Errorf("%w: filename", ErrInvalidUTF8)
		}
		meta := frames[3]
		if !utf8.Valid(meta) {
			return Message{}, fmt.Errorf("%w: meta", ErrInvalidUTF8)
		}
		return Message{Tag: tag, Filename: string(filename), MetaJSON: meta}, nil

	case TagPostChunk:
		// Frames: [tag, flags, seek, data] or, when last-chunk, [tag, flags, seek, data, checksum].
		if len(frames) != 4 && len(frames) != 5 {
			return Message{}, fmt.Errorf("%w: post-chunk wants 4 or 5 frames, got %d", ErrFrameCount, len(frames))
		}
		flags, err := decodeU32(frames[1])
		if err != nil {
			return Message{}, err
		}
		if flags&^LastChunkFlag != 0 {
			return Message{}, ErrBadFlags
		}
		seek, err := decodeU64(frames[2])
		if err != nil {
			return Message{}, err
		}
		isLast := flags&LastChunkFlag != 0
		if isLast && len(frames) != 5 {
			return Message{}, fmt.Errorf("%w: last chunk missing trailer frame", ErrChecksumFraming)
		}
		if !isLast && len(frames) != 4 {
			return Message{}, fmt.Errorf("%w: non-last chunk carries extra frame", ErrChecksumFraming)
		}
		msg := Message{Tag: tag, Flags: flags, Seek: seek, Data: frames[3]}
		if len(frames) == 5 {
			if len(frames[4]) != ChecksumSize {
				return Message{}, fmt.Errorf("%w: checksum", ErrFieldLength)
			}
			msg.Checksum = frames[4]
		}
		return msg, nil

	case TagQueryStatus:
		if len(frames) != 1 {
			return Message{}, fmt.Errorf("%w: query-status wants 1 frame, got %d", ErrFrameCount, len(frames))
		}
		return Message{Tag: tag}, nil

	case TagError:
		if len(frames) != 3 {
			return Message{}, fmt.Errorf("%w: error wants 3 frames, got %d", ErrFrameCount, len(frames))
		}
		code, err := decodeU32(frames[1])
		if err != nil {
			return Message{}, err
		}
		if !utf8.Valid(frames[2]) {
			return Message{}, fmt.Errorf("%w: msg", ErrInvalidUTF8)
		}
		return Message{Tag: tag, Code: code, Msg: string(frames[2])}, nil

	case TagUploadApproved:
		if len(frames) != 4 {
			return Message{}, fmt.Errorf("%w: upload-approved wants 4 frames, got %d", ErrFrameCount, len(frames))
		}
		credit, err := decodeU32(frames[1])
		if err != nil {
			return Message{}, err
		}
		chunksize, err := decodeU32(frames[2])
		if err != nil {
			return Message{}, err
		}
		maxqueue, err := decodeU32(frames[3])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: tag, Credit: credit, Chunksize: chunksize, Maxqueue: maxqueue}, nil

	case TagTransferCredit:
		if len(frames) != 2 {
			return Message{}, fmt.Errorf("%w: transfer-credit wants 2 frames, got %d", ErrFrameCount, len(frames))
		}
		amount, err := decodeU32(frames[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: tag, Amount: amount}, nil

	case TagStatusReport:
		if len(frames) != 3 {
			return Message{}, fmt.Errorf("%w: status-report wants 3 frames, got %d", ErrFrameCount, len(frames))
		}
		seek, err := decodeU64(frames[1])
		if err != nil {
			return Message{}, err
		}
		credit, err := decodeU32(frames[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: tag, Seek: seek, Credit: credit}, nil

	case TagUploadFinished:
		if len(frames) != 2 {
			return Message{}, fmt.Errorf("%w: upload-finished wants 2 frames, got %d", ErrFrameCount, len(frames))
		}
		if !utf8.Valid(frames[1]) {
			return Message{}, fmt.Errorf("%w: upload_id", ErrInvalidUTF8)
		}
		return Message{Tag: tag, UploadID: string(frames[1])}, nil

	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrFieldLength, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrFieldLength, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
