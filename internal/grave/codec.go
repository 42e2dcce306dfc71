package grave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/jward/vigil/internal/highlight"
)

// FormatVersion tags the encoding. Snapshots written with another version are
// rejected as ErrIncompatibleFormat instead of being misread.
const FormatVersion uint16 = 1

const (
	magic      = "VGRV"
	headerSize = 4 + 2 + 8

	recordFields  = 7
	literalFields = 5

	// maxBodySize bounds the decompressed body.
	maxBodySize = 64 << 20
)

var (
	ErrIncompatibleFormat = errors.New("grave: incompatible snapshot format")
	ErrCorrupt            = errors.New("grave: corrupt snapshot")
)

// Record is one buried highlighter. AttributesKey and Literal are mutually
// exclusive; nil pointers are absent fields.
type Record struct {
	Start         int32
	End           int32
	Layer         int32
	TargetArea    highlight.TargetArea
	AttributesKey *string
	Literal       *highlight.TextAttributes
	GutterIconURL *string
}

// Snapshot is the ordered list of records buried for one document, plus the
// content hash of the text they were computed on.
type Snapshot struct {
	ContentHash uint64
	Records     []Record
}

// Encode serialises s. The layout is a fixed header
//
//	magic "VGRV" | version uint16 | content hash uint64
//
// followed by an LZ4 frame holding a msgpack stream of the record count and
// one fixed-shape array per record.
func Encode(s *Snapshot) ([]byte, error) {
	var out bytes.Buffer
	var header [headerSize]byte
	copy(header[:], magic)
	binary.BigEndian.PutUint16(header[4:], FormatVersion)
	binary.BigEndian.PutUint64(header[6:], s.ContentHash)
	out.Write(header[:])

	zw := lz4.NewWriter(&out)
	enc := msgpack.NewEncoder(zw)
	if err := enc.EncodeArrayLen(len(s.Records)); err != nil {
		return nil, fmt.Errorf("grave: encode: %w", err)
	}
	for i := range s.Records {
		if err := encodeRecord(enc, &s.Records[i]); err != nil {
			return nil, fmt.Errorf("grave: encode record %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("grave: encode: %w", err)
	}
	return out.Bytes(), nil
}

func encodeRecord(enc *msgpack.Encoder, r *Record) error {
	if r.AttributesKey != nil && r.Literal != nil {
		return errors.New("both attributes key and literal attributes set")
	}
	if err := enc.EncodeArrayLen(recordFields); err != nil {
		return err
	}
	for _, v := range []int32{r.Start, r.End, r.Layer} {
		if err := enc.EncodeInt32(v); err != nil {
			return err
		}
	}
	if err := enc.EncodeUint8(uint8(r.TargetArea)); err != nil {
		return err
	}
	if err := encodeOptString(enc, r.AttributesKey); err != nil {
		return err
	}
	if r.Literal == nil {
		if err := enc.EncodeNil(); err != nil {
			return err
		}
	} else {
		l := r.Literal
		if err := enc.EncodeArrayLen(literalFields); err != nil {
			return err
		}
		for _, c := range []highlight.Color{l.Foreground, l.Background, l.Effect} {
			if err := enc.EncodeUint32(uint32(c)); err != nil {
				return err
			}
		}
		if err := enc.EncodeUint8(uint8(l.EffectType)); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(l.FontStyle)); err != nil {
			return err
		}
	}
	return encodeOptString(enc, r.GutterIconURL)
}

func encodeOptString(enc *msgpack.Encoder, s *string) error {
	if s == nil {
		return enc.EncodeNil()
	}
	return enc.EncodeString(*s)
}

// Version returns the format version of an encoded snapshot without
// decoding it.
func Version(data []byte) (uint16, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return 0, ErrCorrupt
	}
	return binary.BigEndian.Uint16(data[4:]), nil
}

// Decode parses data written by Encode. Any other version is
// ErrIncompatibleFormat; anything unreadable is ErrCorrupt.
func Decode(data []byte) (*Snapshot, error) {
	version, err := Version(data)
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrIncompatibleFormat, version, FormatVersion)
	}
	s := &Snapshot{ContentHash: binary.BigEndian.Uint64(data[6:])}

	body, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data[headerSize:])), maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrCorrupt, maxBodySize)
	}

	r := bytes.NewReader(body)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: record count: %v", ErrCorrupt, err)
	}
	// A record needs at least one byte per field.
	if n > len(body)/recordFields+1 {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrCorrupt, n, len(body))
	}
	s.Records = make([]Record, n)
	for i := range s.Records {
		if err := decodeRecord(dec, &s.Records[i]); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return s, nil
}

func decodeRecord(dec *msgpack.Decoder, r *Record) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != recordFields {
		return fmt.Errorf("record has %d fields, want %d", n, recordFields)
	}
	if r.Start, err = dec.DecodeInt32(); err != nil {
		return err
	}
	if r.End, err = dec.DecodeInt32(); err != nil {
		return err
	}
	if r.Layer, err = dec.DecodeInt32(); err != nil {
		return err
	}
	area, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	r.TargetArea = highlight.TargetArea(area)
	if r.TargetArea != highlight.TargetExactRange && r.TargetArea != highlight.TargetLinesInRange {
		return fmt.Errorf("unknown target area %d", area)
	}
	if r.Start < 0 || r.End < r.Start {
		return fmt.Errorf("bad range [%d,%d)", r.Start, r.End)
	}
	if r.AttributesKey, err = decodeOptString(dec); err != nil {
		return err
	}
	isNil, err := peekNil(dec)
	if err != nil {
		return err
	}
	if !isNil {
		if r.Literal, err = decodeLiteral(dec); err != nil {
			return err
		}
	}
	if r.AttributesKey != nil && r.Literal != nil {
		return errors.New("both attributes key and literal attributes present")
	}
	r.GutterIconURL, err = decodeOptString(dec)
	return err
}

func decodeLiteral(dec *msgpack.Decoder) (*highlight.TextAttributes, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != literalFields {
		return nil, fmt.Errorf("literal attributes have %d fields, want %d", n, literalFields)
	}
	var colors [3]uint32
	for i := range colors {
		if colors[i], err = dec.DecodeUint32(); err != nil {
			return nil, err
		}
	}
	effect, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	font, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	return &highlight.TextAttributes{
		Foreground: highlight.Color(colors[0]),
		Background: highlight.Color(colors[1]),
		Effect:     highlight.Color(colors[2]),
		EffectType: highlight.EffectType(effect),
		FontStyle:  highlight.FontStyle(font),
	}, nil
}

// peekNil consumes and reports a nil value; any other value is left in
// place.
func peekNil(dec *msgpack.Decoder) (bool, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	if c != msgpcode.Nil {
		return false, nil
	}
	return true, dec.DecodeNil()
}

func decodeOptString(dec *msgpack.Decoder) (*string, error) {
	isNil, err := peekNil(dec)
	if err != nil || isNil {
		return nil, err
	}
	s, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}
