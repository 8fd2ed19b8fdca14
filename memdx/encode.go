package memdx

import "encoding/binary"

// StorageOp selects which SET-family opcode a Store request uses, per
// spec.md §6's storage operation selector.
type StorageOp int

const (
	StorageAdd StorageOp = iota
	StorageReplace
	StorageSet
	StorageAppend
	StoragePrepend
)

var storageOpcodes = map[StorageOp]OpCode{
	StorageAdd:     OpAdd,
	StorageReplace: OpReplace,
	StorageSet:     OpSet,
	StorageAppend:  OpAppend,
	StoragePrepend: OpPrepend,
}

// EncodeGet builds a GETQ or GETK request. quiet selects GETQ (used for
// every key but the last in a batch); the final key in a batch uses
// GETK so the server is guaranteed to answer and terminate the batch.
func EncodeGet(key []byte, vbucket uint16, opaque uint32, quiet bool) *Packet {
	op := OpGetK
	if quiet {
		op = OpGetQ
	}
	return &Packet{OpCode: op, Key: key, VBucket: vbucket, Opaque: opaque}
}

// EncodeStore builds a SET-family request. flags/expiration extras are
// only meaningful for the SET/ADD/REPLACE family; APPEND/PREPEND carry
// no extras, per spec.md §4.2's table.
func EncodeStore(op StorageOp, key, value []byte, flags, expiration uint32, cas uint64, vbucket uint16, opaque uint32) *Packet {
	var extras []byte
	if op != StorageAppend && op != StoragePrepend {
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], flags)
		binary.BigEndian.PutUint32(extras[4:8], expiration)
	}
	return &Packet{
		OpCode: storageOpcodes[op], Key: key, Value: value, Extras: extras,
		CAS: cas, VBucket: vbucket, Opaque: opaque,
	}
}

// EncodeArithmetic builds an INCREMENT/DECREMENT request.
func EncodeArithmetic(increment bool, key []byte, delta, initial uint64, expiration uint32, vbucket uint16, opaque uint32) *Packet {
	op := OpIncrement
	if !increment {
		op = OpDecrement
	}
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initial)
	binary.BigEndian.PutUint32(extras[16:20], expiration)
	return &Packet{OpCode: op, Key: key, Extras: extras, VBucket: vbucket, Opaque: opaque}
}

// EncodeDelete builds a DELETE request.
func EncodeDelete(key []byte, cas uint64, vbucket uint16, opaque uint32) *Packet {
	return &Packet{OpCode: OpDelete, Key: key, CAS: cas, VBucket: vbucket, Opaque: opaque}
}

// EncodeSASLListMechs builds the SASL mechanism-list request.
func EncodeSASLListMechs(opaque uint32) *Packet {
	return &Packet{OpCode: OpSASLListMechs, Opaque: opaque}
}

// EncodeSASLAuth builds a SASL AUTH request: mechanism name as key,
// initial response as value.
func EncodeSASLAuth(mechanism string, initial []byte, opaque uint32) *Packet {
	return &Packet{OpCode: OpSASLAuth, Key: []byte(mechanism), Value: initial, Opaque: opaque}
}

// EncodeSASLStep builds a SASL STEP request carrying the next challenge
// response.
func EncodeSASLStep(mechanism string, response []byte, opaque uint32) *Packet {
	return &Packet{OpCode: OpSASLStep, Key: []byte(mechanism), Value: response, Opaque: opaque}
}

// EncodeTapConnect builds a TAP_CONNECT request. filter is the
// serialized vbucket filter blob placed in the value.
func EncodeTapConnect(flags uint32, filter []byte, opaque uint32) *Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, flags)
	return &Packet{OpCode: OpTapConnect, Extras: extras, Value: filter, Opaque: opaque}
}

// EncodeNoOp builds a NOOP request.
func EncodeNoOp(opaque uint32) *Packet {
	return &Packet{OpCode: OpNoOp, Opaque: opaque}
}

// EncodeVersion builds a VERSION diagnostic request.
func EncodeVersion(opaque uint32) *Packet {
	return &Packet{OpCode: OpVersion, Opaque: opaque}
}

// EncodeStat builds a STAT diagnostic request. An empty key requests
// the general stats group.
func EncodeStat(key []byte, opaque uint32) *Packet {
	return &Packet{OpCode: OpStat, Key: key, Opaque: opaque}
}

// EncodeFlush builds a FLUSH request. delay of zero flushes
// immediately.
func EncodeFlush(delay uint32, vbucket uint16, opaque uint32) *Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, delay)
	return &Packet{OpCode: OpFlush, Extras: extras, VBucket: vbucket, Opaque: opaque}
}
