package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SAS transport (XPORT v5) layout.
//
// The file is a sequence of 80-byte records. Header records start with
// "HEADER RECORD*******" followed by the header name. Variable descriptors
// (namestr records, 140 bytes each) are packed after the NAMESTR header and
// padded to a record boundary; observations follow the OBS header, packed
// back to back and padded with blanks at the end of the file.
const (
	xportRecordLen  = 80
	xportHeaderMark = "HEADER RECORD*******"
	xportLibrary    = xportHeaderMark + "LIBRARY HEADER RECORD!!!!!!!"
	xportMember     = xportHeaderMark + "MEMBER  HEADER RECORD!!!!!!!"
	xportDescriptor = xportHeaderMark + "DSCRPTR HEADER RECORD!!!!!!!"
	xportNamestr    = xportHeaderMark + "NAMESTR HEADER RECORD!!!!!!!"
	xportObs        = xportHeaderMark + "OBS     HEADER RECORD!!!!!!!"
)

var errNotXport = errors.New("not a SAS transport file")

type xportVar struct {
	name    string
	numeric bool
	length  int
	offset  int
}

// DecodeXPORT parses the first member of a SAS XPORT v5 file.
func DecodeXPORT(path string, data []byte) (*Table, error) {
	r := &recordReader{data: data}

	lib, ok := r.record()
	if !ok || !strings.HasPrefix(string(lib), xportLibrary) {
		return nil, formatErr(path, "bad library header", errNotXport)
	}
	// Library real header and modified-date records.
	r.skip(2)

	member, ok := r.record()
	if !ok || !strings.HasPrefix(string(member), xportMember) {
		return nil, formatErr(path, "missing member header", errNotXport)
	}
	namestrLen := 140
	if n, err := strconv.Atoi(strings.TrimSpace(string(member[74:78]))); err == nil && n > 0 {
		namestrLen = n
	}

	desc, ok := r.record()
	if !ok || !strings.HasPrefix(string(desc), xportDescriptor) {
		return nil, formatErr(path, "missing descriptor header", errNotXport)
	}
	// Member data and second member records.
	r.skip(2)

	nsHeader, ok := r.record()
	if !ok || !strings.HasPrefix(string(nsHeader), xportNamestr) {
		return nil, formatErr(path, "missing namestr header", errNotXport)
	}
	nvars, err := strconv.Atoi(string(nsHeader[54:58]))
	if err != nil {
		return nil, formatErr(path, "bad variable count", err)
	}

	vars, err := r.namestrs(nvars, namestrLen)
	if err != nil {
		return nil, formatErr(path, "bad variable descriptors", err)
	}

	obs, ok := r.record()
	if !ok || !strings.HasPrefix(string(obs), xportObs) {
		return nil, formatErr(path, "missing observation header", errNotXport)
	}

	table := &Table{Path: path, Columns: make([]string, len(vars))}
	rowLen := 0
	for i, v := range vars {
		table.Columns[i] = v.name
		if end := v.offset + v.length; end > rowLen {
			rowLen = end
		}
	}
	if rowLen == 0 {
		return table, nil
	}

	body := data[r.pos:]
	// A second member starts with its own header; only the first is read.
	if idx := bytes.Index(body, []byte(xportMember)); idx >= 0 {
		body = body[:idx]
	}

	var rows []Row
	for off := 0; off+rowLen <= len(body); off += rowLen {
		rows = append(rows, decodeObservation(body[off:off+rowLen], vars))
	}
	// Record padding at the end of the file decodes as blank rows.
	for len(rows) > 0 && isBlankObservation(body, (len(rows)-1)*rowLen, rowLen) {
		rows = rows[:len(rows)-1]
	}
	table.Rows = rows
	return table, nil
}

type recordReader struct {
	data []byte
	pos  int
}

func (r *recordReader) record() ([]byte, bool) {
	if r.pos+xportRecordLen > len(r.data) {
		return nil, false
	}
	rec := r.data[r.pos : r.pos+xportRecordLen]
	r.pos += xportRecordLen
	return rec, true
}

func (r *recordReader) skip(n int) {
	r.pos += n * xportRecordLen
}

func (r *recordReader) namestrs(n, size int) ([]xportVar, error) {
	total := n * size
	if r.pos+total > len(r.data) {
		return nil, fmt.Errorf("need %d bytes for %d variables, have %d", total, n, len(r.data)-r.pos)
	}
	vars := make([]xportVar, n)
	for i := range vars {
		ns := r.data[r.pos+i*size : r.pos+(i+1)*size]
		vars[i] = xportVar{
			numeric: binary.BigEndian.Uint16(ns[0:2]) == 1,
			length:  int(binary.BigEndian.Uint16(ns[4:6])),
			name:    strings.TrimRight(string(ns[8:16]), " \x00"),
			offset:  int(binary.BigEndian.Uint32(ns[84:88])),
		}
	}
	r.pos += total
	if rem := total % xportRecordLen; rem != 0 {
		r.pos += xportRecordLen - rem
	}
	return vars, nil
}

func decodeObservation(rec []byte, vars []xportVar) Row {
	row := make(Row, len(vars))
	for _, v := range vars {
		raw := rec[v.offset : v.offset+v.length]
		if v.numeric {
			row[v.name] = ibmToFloat(raw)
		} else {
			row[v.name] = strings.TrimRight(string(raw), " \x00")
		}
	}
	return row
}

func isBlankObservation(body []byte, off, n int) bool {
	for _, b := range body[off : off+n] {
		if b != ' ' {
			return false
		}
	}
	return true
}

// ibmToFloat converts an IBM System/370 hexadecimal float, possibly
// truncated to fewer than 8 bytes, to a float64. SAS missing values
// ('.', '._', '.A' to '.Z') decode to nil.
func ibmToFloat(raw []byte) any {
	var buf [8]byte
	copy(buf[:], raw)

	if isMissing(buf) {
		return nil
	}

	mant := binary.BigEndian.Uint64(buf[:]) & 0x00ffffffffffffff
	if mant == 0 {
		return float64(0)
	}
	exp := int(buf[0]&0x7f) - 64
	v := math.Ldexp(float64(mant), 4*exp-56)
	if buf[0]&0x80 != 0 {
		v = -v
	}
	return v
}

func isMissing(b [8]byte) bool {
	for _, c := range b[1:] {
		if c != 0 {
			return false
		}
	}
	c := b[0]
	return c == '.' || c == '_' || (c >= 'A' && c <= 'Z')
}
