// Package sei carries opaque application payloads inside H.264
// user-data-unregistered SEI NAL units.
package sei

import (
	"bytes"
	"errors"
)

const (
	nalTypeSEI                      = 6
	payloadTypeUserDataUnregistered = 5
	rbspTrailingBits                = 0x80

	// MaxPayloadSize is the largest payload Build accepts.
	MaxPayloadSize = 1000
)

// UUID tags every payload written by this package so receivers can tell
// them apart from encoder-generated SEI.
var UUID = [16]byte{
	0x72, 0x6f, 0x6f, 0x6d, 0x6b, 0x69, 0x74, 0x2d,
	0x73, 0x65, 0x69, 0x2d, 0x76, 0x30, 0x30, 0x31,
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

var (
	ErrEmptyPayload    = errors.New("sei: empty payload")
	ErrPayloadTooLarge = errors.New("sei: payload too large")
	ErrNotSEI          = errors.New("sei: not a sei nal unit")
	ErrTruncated       = errors.New("sei: truncated message")
	ErrNoUserData      = errors.New("sei: no user data with matching uuid")
)

// Build returns an Annex-B SEI NAL unit, start code included, that carries data.
func Build(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	rbsp := make([]byte, 0, len(data)+len(UUID)+8)
	rbsp = appendFFCoded(rbsp, payloadTypeUserDataUnregistered)
	rbsp = appendFFCoded(rbsp, len(UUID)+len(data))
	rbsp = append(rbsp, UUID[:]...)
	rbsp = append(rbsp, data...)
	rbsp = append(rbsp, rbspTrailingBits)

	out := make([]byte, 0, len(startCode)+1+len(rbsp)+len(rbsp)/64+1)
	out = append(out, startCode...)
	out = append(out, nalTypeSEI)

	return appendEscaped(out, rbsp), nil
}

// Parse returns the first payload tagged with UUID in a SEI NAL unit.
// nal must not include the start code.
func Parse(nal []byte) ([]byte, error) {
	if len(nal) < 2 || nal[0]&0x1f != nalTypeSEI {
		return nil, ErrNotSEI
	}

	rbsp := unescape(nal[1:])

	for len(rbsp) > 0 && rbsp[0] != rbspTrailingBits {
		payloadType, n := readFFCoded(rbsp)
		if n == 0 {
			return nil, ErrTruncated
		}
		rbsp = rbsp[n:]

		size, n := readFFCoded(rbsp)
		if n == 0 || len(rbsp)-n < size {
			return nil, ErrTruncated
		}
		rbsp = rbsp[n:]

		message := rbsp[:size]
		rbsp = rbsp[size:]

		if payloadType != payloadTypeUserDataUnregistered || size < len(UUID) {
			continue
		}

		if !bytes.Equal(message[:len(UUID)], UUID[:]) {
			continue
		}

		payload := make([]byte, size-len(UUID))
		copy(payload, message[len(UUID):])

		return payload, nil
	}

	return nil, ErrNoUserData
}

// Inject prepends one SEI NAL unit per payload to an Annex-B access unit.
func Inject(frame []byte, payloads ...[]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return frame, nil
	}

	out := make([]byte, 0, len(frame)+len(payloads)*64)

	for _, p := range payloads {
		nal, err := Build(p)
		if err != nil {
			return nil, err
		}

		out = append(out, nal...)
	}

	return append(out, frame...), nil
}

// Extract splits an Annex-B access unit and returns the payloads carried by
// tagged SEI NAL units. Other NAL units are ignored.
func Extract(frame []byte) [][]byte {
	var payloads [][]byte

	for _, nal := range SplitNALUs(frame) {
		if len(nal) == 0 || nal[0]&0x1f != nalTypeSEI {
			continue
		}

		payload, err := Parse(nal)
		if err != nil {
			continue
		}

		payloads = append(payloads, payload)
	}

	return payloads
}

// SplitNALUs returns the NAL units of an Annex-B byte stream without their
// start codes. Data before the first start code is ignored.
func SplitNALUs(stream []byte) [][]byte {
	var nalus [][]byte

	start := -1
	i := 0

	for i+2 < len(stream) {
		if stream[i] != 0 || stream[i+1] != 0 || stream[i+2] != 1 {
			i++
			continue
		}

		if start >= 0 {
			end := i
			for end > start && stream[end-1] == 0 {
				end--
			}
			nalus = append(nalus, stream[start:end])
		}

		i += 3
		start = i
	}

	if start >= 0 && start < len(stream) {
		nalus = append(nalus, stream[start:])
	}

	return nalus
}

func appendFFCoded(b []byte, v int) []byte {
	for v >= 0xff {
		b = append(b, 0xff)
		v -= 0xff
	}

	return append(b, byte(v))
}

func readFFCoded(b []byte) (int, int) {
	v := 0

	for i, c := range b {
		v += int(c)
		if c != 0xff {
			return v, i + 1
		}
	}

	return 0, 0
}

// appendEscaped inserts emulation prevention bytes so the payload never
// contains a start code prefix.
func appendEscaped(dst, rbsp []byte) []byte {
	zeros := 0

	for _, c := range rbsp {
		if zeros == 2 && c <= 0x03 {
			dst = append(dst, 0x03)
			zeros = 0
		}

		dst = append(dst, c)

		if c == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}

	return dst
}

func unescape(ebsp []byte) []byte {
	out := make([]byte, 0, len(ebsp))
	zeros := 0

	for _, c := range ebsp {
		if zeros == 2 && c == 0x03 {
			zeros = 0
			continue
		}

		out = append(out, c)

		if c == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}

	return out
}
