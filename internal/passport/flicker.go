package passport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	flickerLCDigits   = 3
	flickerTokenStart = "CHLGUC"
	flickerTokenEnd   = "CHLGTEXT"

	flagASCII   = 0x40
	flagControl = 0x80
	lengthMask  = 0x3f
)

var errNoFlickerCode = errors.New("no flicker code")

type flickerEncoding int

const (
	encodingBCD flickerEncoding = iota
	encodingASCII
)

type dataElement struct {
	data     string
	encoding flickerEncoding
	controls []string
}

// FlickerCode is a parsed HHD-UC 1.4 challenge.
type FlickerCode struct {
	StartCode dataElement
	DE        [3]*dataElement
}

// ParseFlicker reads an HHD-UC string, either bare or embedded in a challenge text
// between the CHLGUC and CHLGTEXT markers.
func ParseFlicker(code string) (*FlickerCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errNoFlickerCode
	}
	if idx := strings.Index(code, flickerTokenStart); idx >= 0 {
		embedded, err := extractEmbedded(code[idx+len(flickerTokenStart):])
		if err != nil {
			return nil, err
		}
		code = embedded
	}

	if len(code) < flickerLCDigits {
		return nil, fmt.Errorf("parse flicker code: too short")
	}
	lc, err := strconv.Atoi(code[:flickerLCDigits])
	if err != nil {
		return nil, fmt.Errorf("parse flicker code: invalid length %q", code[:flickerLCDigits])
	}
	rest := code[flickerLCDigits:]
	if len(rest) != lc {
		return nil, fmt.Errorf("parse flicker code: length %d does not match %d", lc, len(rest))
	}

	fc := &FlickerCode{}
	start, rest, err := parseElement(rest, true)
	if err != nil {
		return nil, fmt.Errorf("parse flicker start code: %w", err)
	}
	fc.StartCode = start

	for i := range fc.DE {
		if rest == "" {
			break
		}
		de, remaining, err := parseElement(rest, false)
		if err != nil {
			return nil, fmt.Errorf("parse flicker element %d: %w", i+1, err)
		}
		fc.DE[i] = &de
		rest = remaining
	}
	if rest != "" {
		return nil, fmt.Errorf("parse flicker code: %d trailing characters", len(rest))
	}
	return fc, nil
}

func extractEmbedded(s string) (string, error) {
	if len(s) < 4 {
		return "", errNoFlickerCode
	}
	n, err := strconv.Atoi(s[:4])
	if err != nil {
		return "", fmt.Errorf("parse embedded flicker length: %w", err)
	}
	s = s[4:]
	if end := strings.Index(s, flickerTokenEnd); end >= 0 {
		s = s[:end]
	}
	if len(s) < n {
		return "", fmt.Errorf("embedded flicker code is truncated")
	}
	return s[:n], nil
}

func parseElement(s string, start bool) (dataElement, string, error) {
	if len(s) < 2 {
		return dataElement{}, "", fmt.Errorf("missing length byte")
	}
	lb, err := strconv.ParseUint(s[:2], 16, 8)
	if err != nil {
		return dataElement{}, "", fmt.Errorf("invalid length byte %q", s[:2])
	}
	s = s[2:]

	de := dataElement{encoding: encodingBCD}
	if lb&flagASCII != 0 {
		de.encoding = encodingASCII
	}
	if lb&flagControl != 0 {
		if !start {
			return dataElement{}, "", fmt.Errorf("control byte outside start code")
		}
		if len(s) < 2 {
			return dataElement{}, "", fmt.Errorf("missing control byte")
		}
		de.controls = append(de.controls, strings.ToUpper(s[:2]))
		s = s[2:]
	}

	n := int(lb & lengthMask)
	if len(s) < n {
		return dataElement{}, "", fmt.Errorf("data shorter than %d", n)
	}
	de.data = s[:n]
	if de.encoding == encodingBCD && !isDigits(de.data) {
		de.encoding = encodingASCII
	}
	return de, s[n:], nil
}

// Render returns the code in the form optical TAN generators read.
func (fc *FlickerCode) Render() string {
	var payload strings.Builder
	var luhnInput strings.Builder

	elements := []*dataElement{&fc.StartCode}
	for _, de := range fc.DE {
		if de != nil {
			elements = append(elements, de)
		}
	}

	for i, de := range elements {
		data := de.renderData()
		payload.WriteString(de.renderLength(i == 0))
		for _, ctrl := range de.controls {
			payload.WriteString(ctrl)
			luhnInput.WriteString(ctrl)
		}
		payload.WriteString(data)
		luhnInput.WriteString(data)
	}

	body := payload.String()
	lc := fmt.Sprintf("%02X", (len(body)+2)/2)
	luhn := luhnChecksum(luhnInput.String())
	xor := xorChecksum(lc + body)

	return lc + body + strconv.FormatInt(int64(luhn), 16) + strings.ToUpper(strconv.FormatInt(int64(xor), 16))
}

func (de *dataElement) renderLength(start bool) string {
	n := de.byteLength()
	if de.encoding == encodingASCII {
		n |= flagASCII
	}
	if start && len(de.controls) > 0 {
		n |= flagControl
	}
	return fmt.Sprintf("%02X", n)
}

func (de *dataElement) byteLength() int {
	if de.encoding == encodingASCII {
		return len(de.data)
	}
	return (len(de.data) + 1) / 2
}

func (de *dataElement) renderData() string {
	if de.encoding == encodingASCII {
		return strings.ToUpper(hex.EncodeToString([]byte(de.data)))
	}
	if len(de.data)%2 == 1 {
		return de.data + "F"
	}
	return de.data
}

func luhnChecksum(digits string) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		v := hexValue(digits[i])
		if i%2 == 1 {
			v = crossSum(2 * v)
		}
		sum += v
	}
	if mod := sum % 10; mod != 0 {
		return 10 - mod
	}
	return 0
}

func xorChecksum(s string) int {
	x := 0
	for i := 0; i < len(s); i++ {
		x ^= hexValue(s[i])
	}
	return x
}

func hexValue(c byte) int {
	v, err := strconv.ParseUint(string(c), 16, 8)
	if err != nil {
		return 0
	}
	return int(v)
}

func crossSum(n int) int {
	sum := 0
	for n > 0 {
		sum += n % 10
		n /= 10
	}
	return sum
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// RenderFlicker prefers the structured challenge field and falls back to the
// challenge text. It returns "" when neither holds a readable code.
func RenderFlicker(hhduc, challenge string) string {
	for _, candidate := range []string{hhduc, challenge} {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		fc, err := ParseFlicker(candidate)
		if err != nil {
			continue
		}
		return fc.Render()
	}
	return ""
}
