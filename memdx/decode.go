package memdx

import (
	"encoding/binary"
	"errors"
)

// ErrShortExtras is returned when a response's extras section (or, for
// ArithmeticValue, its value field) is smaller than the opcode family
// requires.
var ErrShortExtras = errors.New("memdx: response extras too short")

// GetFlags extracts the per-item flags carried in a GET-family
// response's 4-byte extras.
func GetFlags(pkt *Packet) (uint32, error) {
	if len(pkt.Extras) < 4 {
		return 0, ErrShortExtras
	}
	return binary.BigEndian.Uint32(pkt.Extras[0:4]), nil
}

// ArithmeticValue extracts the 8-byte resulting counter value carried
// in an INCREMENT/DECREMENT response's value field.
func ArithmeticValue(pkt *Packet) (uint64, error) {
	if len(pkt.Value) < 8 {
		return 0, ErrShortExtras
	}
	return binary.BigEndian.Uint64(pkt.Value[0:8]), nil
}

// TapMutationExtras extracts the per-item flags and expiration carried
// in a TAP_MUTATION push's extras, the same 8-byte layout a SET-family
// store already uses. TAP_DELETE carries neither and has no extras to
// parse.
func TapMutationExtras(pkt *Packet) (flags, expiration uint32, err error) {
	if len(pkt.Extras) < 8 {
		return 0, 0, ErrShortExtras
	}
	return binary.BigEndian.Uint32(pkt.Extras[0:4]), binary.BigEndian.Uint32(pkt.Extras[4:8]), nil
}

// ArithmeticExtras is the parsed form of an INCREMENT/DECREMENT
// request's extras section.
type ArithmeticExtras struct {
	Delta, Initial uint64
	Expiration     uint32
}

// ArithmeticValueFromExtras parses an arithmetic request's extras,
// mainly useful to tests and to a server-side emulator.
func ArithmeticValueFromExtras(extras []byte) (ArithmeticExtras, error) {
	if len(extras) < 20 {
		return ArithmeticExtras{}, ErrShortExtras
	}
	return ArithmeticExtras{
		Delta:      binary.BigEndian.Uint64(extras[0:8]),
		Initial:    binary.BigEndian.Uint64(extras[8:16]),
		Expiration: binary.BigEndian.Uint32(extras[16:20]),
	}, nil
}
