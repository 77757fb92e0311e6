// Package firmware holds the artifact forms the upload engine consumes: a
// raw binary for SAM-BA/ESP targets, or an Intel HEX text decoded into a
// contiguous byte image for AVR targets.
package firmware

import "errors"

// ErrInvalid marks a malformed or empty artifact. The upload layer maps it
// to its InvalidArtifact error code.
var ErrInvalid = errors.New("firmware: invalid artifact")

// Image is an immutable firmware byte image. MaxAddr is the highest
// written address plus one, i.e. len(Data) for a dense image.
type Image struct {
	Data    []byte
	MaxAddr uint32
}

// Len returns the image size in bytes.
func (im Image) Len() int { return len(im.Data) }

// FromBinary wraps a raw binary artifact.
func FromBinary(raw []byte) (Image, error) {
	if len(raw) == 0 {
		return Image{}, ErrInvalid
	}
	data := append([]byte(nil), raw...)
	return Image{Data: data, MaxAddr: uint32(len(data))}, nil
}

// Page returns the page of size pageSize starting at byte offset off,
// padded with 0xFF when it runs past the image end. Short final pages are
// returned at their true length by the protocol layers instead; this
// helper always pads, for block-oriented protocols.
func (im Image) Page(off, pageSize int) []byte {
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = 0xFF
	}
	if off < len(im.Data) {
		copy(page, im.Data[off:])
	}
	return page
}
