package crdt

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	encodingMagic   byte = 'R'
	encodingVersion byte = 2
)

var ErrMalformedUpdate = errors.New("malformed update")

// EncodeUpdate writes u in a compact varint framing:
//
//	magic version
//	texts:   n, {block}
//	inserts: n, {block clock client originClock originClient rune}
//	deletes: n, {block clock client}
//	lifecycle: n, {block epoch removed}
func EncodeUpdate(u Update) []byte {
	buf := []byte{encodingMagic, encodingVersion}
	buf = binary.AppendUvarint(buf, uint64(len(u.Texts)))
	for _, id := range u.Texts {
		buf = appendString(buf, id)
	}
	buf = binary.AppendUvarint(buf, uint64(len(u.Inserts)))
	for _, op := range u.Inserts {
		buf = appendString(buf, op.Block)
		buf = binary.AppendUvarint(buf, op.ID.Clock)
		buf = binary.AppendUvarint(buf, op.ID.Client)
		buf = binary.AppendUvarint(buf, op.Origin.Clock)
		buf = binary.AppendUvarint(buf, op.Origin.Client)
		buf = binary.AppendUvarint(buf, uint64(op.Value))
	}
	buf = binary.AppendUvarint(buf, uint64(len(u.Deletes)))
	for _, op := range u.Deletes {
		buf = appendString(buf, op.Block)
		buf = binary.AppendUvarint(buf, op.ID.Clock)
		buf = binary.AppendUvarint(buf, op.ID.Client)
	}
	buf = binary.AppendUvarint(buf, uint64(len(u.Lifecycle)))
	for _, l := range u.Lifecycle {
		buf = appendString(buf, l.Block)
		buf = binary.AppendUvarint(buf, l.Epoch)
		removed := uint64(0)
		if l.Removed {
			removed = 1
		}
		buf = binary.AppendUvarint(buf, removed)
	}
	return buf
}

func DecodeUpdate(data []byte) (Update, error) {
	if len(data) < 2 || data[0] != encodingMagic {
		return Update{}, fmt.Errorf("%w: bad header", ErrMalformedUpdate)
	}
	if data[1] != encodingVersion {
		return Update{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, data[1])
	}
	r := &reader{buf: data[2:]}
	u := Update{}

	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		u.Texts = append(u.Texts, r.string())
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		op := InsertOp{Block: r.string()}
		op.ID.Clock = r.uvarint()
		op.ID.Client = r.uvarint()
		op.Origin.Clock = r.uvarint()
		op.Origin.Client = r.uvarint()
		op.Value = rune(r.uvarint())
		u.Inserts = append(u.Inserts, op)
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		op := DeleteOp{Block: r.string()}
		op.ID.Clock = r.uvarint()
		op.ID.Client = r.uvarint()
		u.Deletes = append(u.Deletes, op)
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		l := Lifecycle{Block: r.string()}
		l.Epoch = r.uvarint()
		l.Removed = r.uvarint() == 1
		u.Lifecycle = append(u.Lifecycle, l)
	}
	if r.err != nil {
		return Update{}, r.err
	}
	if len(r.buf) != 0 {
		return Update{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(r.buf))
	}
	return u, nil
}

func EncodeBase64(u Update) string {
	return base64.StdEncoding.EncodeToString(EncodeUpdate(u))
}

func DecodeBase64(s string) (Update, error) {
	if s == "" {
		return Update{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return DecodeUpdate(data)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = fmt.Errorf("%w: truncated varint", ErrMalformedUpdate)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) count() int {
	v := r.uvarint()
	if r.err == nil && v > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: count %d exceeds payload", ErrMalformedUpdate, v)
		return 0
	}
	return int(v)
}

func (r *reader) string() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: truncated string", ErrMalformedUpdate)
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}
