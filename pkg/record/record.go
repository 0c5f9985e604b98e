// Package record implements the binary layout a paste is stored as.
//
// A record is the id followed by six length-prefixed byte fields:
//
//	id          u64
//	title       u64 len | bytes
//	author      u64 len | bytes
//	notes       u64 len | bytes
//	rental      u8  len | bytes
//	paste       u64 len | bytes
//	format      u64 len | bytes
//
// All integers are little-endian. Decode rejects records with bytes left
// over after the format field.
package record

import (
	"encoding/binary"
	"math"

	"pokebin/pkg/domain"

	"github.com/pkg/errors"
)

const (
	wideLen   = 8
	narrowLen = 1

	// MaxRental is the largest rental the one byte prefix can describe.
	MaxRental = math.MaxUint8
)

var order = binary.LittleEndian

// Size returns the number of bytes Encode produces for p.
func Size(p *domain.Paste) int {
	return wideLen +
		wideLen + len(p.Title) +
		wideLen + len(p.Author) +
		wideLen + len(p.Notes) +
		narrowLen + len(p.Rental) +
		wideLen + len(p.Paste) +
		wideLen + len(p.Format)
}

func Encode(p *domain.Paste) ([]byte, error) {
	if len(p.Rental) > MaxRental {
		return nil, errors.Wrapf(domain.ErrRentalTooLong, "rental is %d bytes", len(p.Rental))
	}
	buf := make([]byte, 0, Size(p))
	buf = order.AppendUint64(buf, uint64(p.ID))
	buf = appendWide(buf, p.Title)
	buf = appendWide(buf, p.Author)
	buf = appendWide(buf, p.Notes)
	buf = append(buf, uint8(len(p.Rental)))
	buf = append(buf, p.Rental...)
	buf = appendWide(buf, p.Paste)
	buf = appendWide(buf, p.Format)
	return buf, nil
}

func appendWide(buf []byte, field string) []byte {
	buf = order.AppendUint64(buf, uint64(len(field)))
	return append(buf, field...)
}

func Decode(b []byte) (*domain.Paste, error) {
	r := reader{buf: b}
	p := &domain.Paste{}
	id, err := r.u64("id")
	if err != nil {
		return nil, err
	}
	p.ID = int64(id)
	if p.Title, err = r.wide("title"); err != nil {
		return nil, err
	}
	if p.Author, err = r.wide("author"); err != nil {
		return nil, err
	}
	if p.Notes, err = r.wide("notes"); err != nil {
		return nil, err
	}
	if p.Rental, err = r.narrow("rental"); err != nil {
		return nil, err
	}
	if p.Paste, err = r.wide("paste"); err != nil {
		return nil, err
	}
	if p.Format, err = r.wide("format"); err != nil {
		return nil, err
	}
	if n := len(r.buf) - r.off; n != 0 {
		return nil, errors.Wrapf(domain.ErrMalformedRecord, "%d trailing bytes", n)
	}
	return p, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u64(field string) (uint64, error) {
	if r.remaining() < wideLen {
		return 0, errors.Wrapf(domain.ErrMalformedRecord, "%s: short prefix", field)
	}
	v := order.Uint64(r.buf[r.off:])
	r.off += wideLen
	return v, nil
}

func (r *reader) wide(field string) (string, error) {
	n, err := r.u64(field)
	if err != nil {
		return "", err
	}
	return r.bytes(field, n)
}

func (r *reader) narrow(field string) (string, error) {
	if r.remaining() < narrowLen {
		return "", errors.Wrapf(domain.ErrMalformedRecord, "%s: short prefix", field)
	}
	n := r.buf[r.off]
	r.off += narrowLen
	return r.bytes(field, uint64(n))
}

func (r *reader) bytes(field string, n uint64) (string, error) {
	if n > uint64(r.remaining()) {
		return "", errors.Wrapf(domain.ErrMalformedRecord, "%s: declared %d bytes, %d available", field, n, r.remaining())
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
