// Package segment is a compact segment codec: ISO-8859-1 text, segments
// ended by ', data elements split by + and group elements by :, ? as escape
// and @len@ for binary data.
package segment

import (
	"fmt"
	"strconv"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var (
	_ ports.MessageCodec = (*Codec)(nil)
	_ ports.JobSchema    = (*Codec)(nil)
	_ ports.Framer       = (*Codec)(nil)
)

const (
	blockSize = 8
	// sizeDigits is the width of the zero-padded message size in the header.
	sizeDigits = 12
)

// Segment codes.
const (
	segHeader     = "HNHBK"
	segTrailer    = "HNHBS"
	segSigHead    = "HNSHK"
	segSigTail    = "HNSHA"
	segIdent      = "HKIDN"
	segPrepare    = "HKVVB"
	segSync       = "HKSYN"
	segValues     = "HKVAL"
	segTask       = "HKAUF"
	segTAN        = "HKTAN"
	segEnd        = "HKEND"
	segCryptHead  = "HNVSK"
	segCryptData  = "HNVSD"
	segMsgRet     = "HIRMG"
	segTaskRet    = "HIRMS"
	segTaskValues = "HIRES"
	segRespValues = "HIVAL"
	segChallenge  = "HITAN"
)

type Codec struct {
	schema Schema
}

func New(schema Schema) *Codec {
	return &Codec{schema: schema}
}

func (c *Codec) Encode(req ports.EncodeRequest) ([]byte, error) {
	w := newWriter()
	w.segment(segHeader, 3, 0,
		group(txt(zeroSize())),
		group(txt(req.ProtocolVersion)),
		group(txt(req.DialogID)),
		group(num(req.MsgNum)),
	)

	signedFrom := w.buf.Len()
	if req.Security.Sign != nil {
		verify := "N"
		if req.Security.TANVerify {
			verify = "J"
		}
		w.segment(segSigHead, 4, 0,
			group(txt(string(req.Security.Variant))),
			group(num64(req.Security.SigID)),
			group(txt(req.Security.TANProcedure)),
			group(txt(req.Identity.CustomerID)),
			group(txt(req.Identity.SysID)),
			group(txt(verify)),
		)
	}

	switch req.Kind {
	case ports.MessageInit:
		w.segment(segIdent, 2, 0,
			group(txt(req.Identity.Country), txt(req.Identity.BLZ)),
			group(txt(req.Identity.UserID)),
			group(txt(req.Identity.CustomerID)),
			group(txt(req.Identity.SysID)),
		)
		w.segment(segPrepare, 3, 0, group(txt(req.BPDVersion)), group(txt(req.UPDVersion)))
		if req.Purpose != ports.PurposeDialog {
			w.segment(segSync, 3, 0, group(txt(string(req.Purpose))))
		}
	case ports.MessageTAN:
		w.segment(segTAN, 6, 0, group(txt("2")))
	case ports.MessageEnd:
		w.segment(segEnd, 1, 0, group(txt(req.DialogID)))
	}

	if len(req.Values) > 0 {
		w.segment(segValues, 1, 0, valueElements(req.Values)...)
	}
	for _, task := range req.Tasks {
		elements := append([][]field{
			group(txt(task.Job), txt(task.Version)),
			group(num(task.Ref)),
		}, valueElements(task.Params)...)
		w.segment(segTask, 1, 0, elements...)
	}

	if req.Security.Sign != nil {
		signed, err := w.bytes()
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		sig, err := req.Security.Sign(append([]byte(nil), signed[signedFrom:]...))
		if err != nil {
			return nil, fmt.Errorf("sign message: %w", err)
		}
		w.segment(segSigTail, 2, 0, group(bin(sig)))
	}
	w.segment(segTrailer, 1, 0, group(num(req.MsgNum)))

	msg, err := w.bytes()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := setSize(msg); err != nil {
		return nil, err
	}
	return pad(msg), nil
}

// Envelope wraps payload behind a header carrying the total size, so
// stream transports can frame it.
func (c *Codec) Envelope(key, payload []byte) ([]byte, error) {
	w := newWriter()
	w.segment(segHeader, 3, 0, group(txt(zeroSize())))
	w.segment(segCryptHead, 3, 0, group(bin(key)))
	w.segment(segCryptData, 1, 0, group(bin(payload)))
	msg, err := w.bytes()
	if err != nil {
		return nil, fmt.Errorf("envelope message: %w", err)
	}
	if err := setSize(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Open splits an envelope into key and payload. A plain message is returned
// as payload unchanged.
func (c *Codec) Open(wire []byte) ([]byte, []byte, error) {
	segments, err := parse(unpad(wire))
	if err != nil {
		return nil, nil, fmt.Errorf("open envelope: %w", err)
	}
	if len(segments) < 2 || segments[0].code != segHeader || segments[1].code != segCryptHead {
		return nil, wire, nil
	}
	if len(segments) < 3 || segments[2].code != segCryptData {
		return nil, nil, fmt.Errorf("open envelope: missing %s segment", segCryptData)
	}
	return []byte(segments[1].value(0, 0)), []byte(segments[2].value(0, 0)), nil
}

func (c *Codec) Decode(plain []byte) (ports.Response, error) {
	data := unpad(plain)
	segments, err := parse(data)
	if err != nil {
		return ports.Response{}, fmt.Errorf("decode response: %w", err)
	}

	var resp ports.Response
	tasks := map[int]*ports.TaskResponse{}
	var order []int
	task := func(ref int) *ports.TaskResponse {
		if tr, ok := tasks[ref]; ok {
			return tr
		}
		tasks[ref] = &ports.TaskResponse{Ref: ref}
		order = append(order, ref)
		return tasks[ref]
	}

	signedFrom := -1
	for _, seg := range segments {
		switch seg.code {
		case segHeader:
			resp.DialogID = seg.value(2, 0)
		case segSigHead:
			signedFrom = seg.start
		case segSigTail:
			resp.Signature = []byte(seg.value(0, 0))
			if signedFrom >= 0 {
				resp.SignedData = append([]byte(nil), data[signedFrom:seg.start]...)
			}
		case segMsgRet:
			resp.RetVals = append(resp.RetVals, retVals(seg)...)
		case segTaskRet:
			tr := task(seg.ref)
			tr.RetVals = append(tr.RetVals, retVals(seg)...)
		case segTaskValues:
			tr := task(seg.ref)
			tr.Values = append(tr.Values, values(seg)...)
		case segRespValues:
			resp.Values = append(resp.Values, values(seg)...)
		case segChallenge:
			resp.Challenge = seg.value(0, 0)
			resp.ChallengeHHDUC = seg.value(1, 0)
		}
	}
	for _, ref := range order {
		resp.Tasks = append(resp.Tasks, *tasks[ref])
	}
	return resp, nil
}

// OperationCodes lists the lowlevel job names of the task segments in plain.
func (c *Codec) OperationCodes(plain []byte) []string {
	segments, err := parse(unpad(plain))
	if err != nil {
		return nil
	}
	var codes []string
	for _, seg := range segments {
		if seg.code == segTask {
			codes = append(codes, seg.value(0, 0))
		}
	}
	return codes
}

func (c *Codec) ParameterNames(job, version string) ([]string, bool) {
	layout, ok := c.schema.layout(job, version)
	return layout.Params, ok
}

func (c *Codec) ResultNames(job, version string) ([]string, bool) {
	layout, ok := c.schema.layout(job, version)
	return layout.Results, ok
}

// HeaderSize covers the header segment up to the end of the size element.
func (c *Codec) HeaderSize() int {
	return len(segHeader) + len(":1:3+") + sizeDigits
}

func (c *Codec) FrameLength(header []byte) (int, error) {
	if len(header) < c.HeaderSize() {
		return 0, fmt.Errorf("frame length: header too short")
	}
	raw := string(header[len(header)-sizeDigits:])
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("frame length: bad size %q: %w", raw, err)
	}
	if n < len(header) {
		return 0, fmt.Errorf("frame length: size %d shorter than header", n)
	}
	return n, nil
}

func valueElements(values []domain.Value) [][]field {
	out := make([][]field, 0, len(values))
	for _, v := range values {
		out = append(out, group(txt(v.Name), txt(v.Value)))
	}
	return out
}

func values(seg segment) []domain.Value {
	out := make([]domain.Value, 0, len(seg.elements))
	for i := range seg.elements {
		out = append(out, domain.Value{Name: seg.value(i, 0), Value: seg.value(i, 1)})
	}
	return out
}

func retVals(seg segment) []domain.RetVal {
	out := make([]domain.RetVal, 0, len(seg.elements))
	for _, el := range seg.elements {
		rv := domain.RetVal{}
		for i, g := range el {
			switch i {
			case 0:
				rv.Code = g
			case 1:
				rv.Ref = g
			case 2:
				rv.Text = g
			default:
				rv.Params = append(rv.Params, g)
			}
		}
		out = append(out, rv)
	}
	return out
}

func zeroSize() string {
	return fmt.Sprintf("%0*d", sizeDigits, 0)
}

// setSize writes the message length into the header placeholder.
func setSize(msg []byte) error {
	offset := len(segHeader) + len(":1:3+")
	if len(msg) < offset+sizeDigits {
		return fmt.Errorf("encode message: header too short")
	}
	size := fmt.Sprintf("%0*d", sizeDigits, len(msg))
	if len(size) > sizeDigits {
		return fmt.Errorf("encode message: message of %d bytes is too large", len(msg))
	}
	copy(msg[offset:], size)
	return nil
}

// pad appends 1..blockSize bytes; the last one holds the count.
func pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	out := append(data, make([]byte, n)...)
	out[len(out)-1] = byte(n)
	return out
}

// unpad strips padding when present. A segment stream always ends in ',
// which is never a valid padding count.
func unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return data
	}
	return data[:len(data)-n]
}
