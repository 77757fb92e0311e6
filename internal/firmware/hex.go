package firmware

import (
	"fmt"
	"strings"

	"github.com/marcinbor85/gohex"
)

// ParseHex decodes Intel HEX text into a contiguous zero-filled image.
//
// Lines not starting with ':' are ignored (some compilers emit trailing
// noise). Record checksums are validated; a mismatch or any malformed
// record is an ErrInvalid. Extended linear address records (type 0x04) are
// honored even though AVR images never need them.
func ParseHex(text string) (Image, error) {
	var hexLines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, ":") {
			hexLines = append(hexLines, line)
		}
	}
	if len(hexLines) == 0 {
		return Image{}, fmt.Errorf("%w: no hex records", ErrInvalid)
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(strings.Join(hexLines, "\n") + "\n")); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var max uint32
	for _, seg := range mem.GetDataSegments() {
		if end := seg.Address + uint32(len(seg.Data)); end > max {
			max = end
		}
	}
	if max == 0 {
		return Image{}, fmt.Errorf("%w: no data records", ErrInvalid)
	}

	data := make([]byte, max)
	for _, seg := range mem.GetDataSegments() {
		copy(data[seg.Address:], seg.Data)
	}
	return Image{Data: data, MaxAddr: max}, nil
}
