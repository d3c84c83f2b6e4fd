package segment

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	segmentEnd   = '\''
	elementSep   = '+'
	groupSep     = ':'
	escapeChar   = '?'
	binaryMarker = '@'
)

// field is one group element, either text or binary.
type field struct {
	text  string
	bin   []byte
	isBin bool
}

func txt(s string) field { return field{text: s} }

func bin(b []byte) field { return field{bin: b, isBin: true} }

func num(n int) field { return field{text: strconv.Itoa(n)} }

func num64(n int64) field { return field{text: strconv.FormatInt(n, 10)} }

func group(f ...field) []field { return f }

// writer builds ISO-8859-1 segments.
type writer struct {
	buf bytes.Buffer
	enc *encoding.Encoder
	seq int
	err error
}

func newWriter() *writer {
	return &writer{enc: charmap.ISO8859_1.NewEncoder()}
}

// segment appends one segment and returns its sequence number.
func (w *writer) segment(code string, version, ref int, elements ...[]field) int {
	w.seq++
	head := []field{txt(code), num(w.seq), num(version)}
	if ref > 0 {
		head = append(head, num(ref))
	}
	w.writeElement(head)
	for _, el := range elements {
		w.buf.WriteByte(elementSep)
		w.writeElement(el)
	}
	w.buf.WriteByte(segmentEnd)
	return w.seq
}

func (w *writer) writeElement(groups []field) {
	for i, f := range groups {
		if i > 0 {
			w.buf.WriteByte(groupSep)
		}
		if f.isBin {
			w.buf.WriteByte(binaryMarker)
			w.buf.WriteString(strconv.Itoa(len(f.bin)))
			w.buf.WriteByte(binaryMarker)
			w.buf.Write(f.bin)
			continue
		}
		w.writeText(f.text)
	}
}

func (w *writer) writeText(s string) {
	if w.err != nil {
		return
	}
	encoded, err := w.enc.Bytes([]byte(s))
	if err != nil {
		w.err = fmt.Errorf("encode %q: %w", s, err)
		return
	}
	for _, c := range encoded {
		switch c {
		case segmentEnd, elementSep, groupSep, escapeChar, binaryMarker:
			w.buf.WriteByte(escapeChar)
		}
		w.buf.WriteByte(c)
	}
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type segment struct {
	code     string
	seq      int
	version  int
	ref      int
	elements [][]string
	// start and end are byte offsets of the segment in the parsed input.
	start, end int
}

// value returns group g of element i, or "".
func (s segment) value(i, g int) string {
	if i >= len(s.elements) || g >= len(s.elements[i]) {
		return ""
	}
	return s.elements[i][g]
}

// parse splits data into segments. Binary groups are returned as raw bytes,
// text groups are decoded from ISO-8859-1.
func parse(data []byte) ([]segment, error) {
	dec := charmap.ISO8859_1.NewDecoder()

	var (
		segments []segment
		elements [][]string
		groups   []string
		cur      []byte
		isBin    bool
		start    int
	)

	flushGroup := func() error {
		value := string(cur)
		if !isBin {
			decoded, err := dec.Bytes(cur)
			if err != nil {
				return fmt.Errorf("decode text: %w", err)
			}
			value = string(decoded)
		}
		groups = append(groups, value)
		cur, isBin = nil, false
		return nil
	}

	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == escapeChar:
			i++
			if i >= len(data) {
				return nil, fmt.Errorf("parse segments: dangling escape at %d", i-1)
			}
			cur = append(cur, data[i])
		case c == binaryMarker && len(cur) == 0 && !isBin:
			end := bytes.IndexByte(data[i+1:], binaryMarker)
			if end < 0 {
				return nil, fmt.Errorf("parse segments: unterminated binary length at %d", i)
			}
			n, err := strconv.Atoi(string(data[i+1 : i+1+end]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("parse segments: bad binary length at %d", i)
			}
			from := i + 1 + end + 1
			if from+n > len(data) {
				return nil, fmt.Errorf("parse segments: binary of %d bytes exceeds input", n)
			}
			cur = append([]byte{}, data[from:from+n]...)
			isBin = true
			i = from + n - 1
		case c == groupSep:
			if err := flushGroup(); err != nil {
				return nil, err
			}
		case c == elementSep:
			if err := flushGroup(); err != nil {
				return nil, err
			}
			elements = append(elements, groups)
			groups = nil
		case c == segmentEnd:
			if err := flushGroup(); err != nil {
				return nil, err
			}
			elements = append(elements, groups)
			seg, err := newSegment(elements)
			if err != nil {
				return nil, err
			}
			seg.start, seg.end = start, i+1
			segments = append(segments, seg)
			elements, groups = nil, nil
			start = i + 1
		default:
			cur = append(cur, c)
		}
	}

	if len(cur) > 0 || len(groups) > 0 || len(elements) > 0 {
		return nil, fmt.Errorf("parse segments: input ends inside a segment")
	}
	return segments, nil
}

func newSegment(elements [][]string) (segment, error) {
	head := elements[0]
	if len(head) < 3 {
		return segment{}, fmt.Errorf("parse segments: short segment head %q", head)
	}
	seq, err := strconv.Atoi(head[1])
	if err != nil {
		return segment{}, fmt.Errorf("parse segments: %s: bad sequence number: %w", head[0], err)
	}
	version, err := strconv.Atoi(head[2])
	if err != nil {
		return segment{}, fmt.Errorf("parse segments: %s: bad version: %w", head[0], err)
	}
	seg := segment{code: head[0], seq: seq, version: version, elements: elements[1:]}
	if len(head) > 3 && head[3] != "" {
		if seg.ref, err = strconv.Atoi(head[3]); err != nil {
			return segment{}, fmt.Errorf("parse segments: %s: bad reference: %w", head[0], err)
		}
	}
	return seg, nil
}
