package memdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := &Packet{
		OpCode:  OpSet,
		Key:     []byte("mykey"),
		Value:   []byte("myvalue"),
		Extras:  []byte{0, 0, 0, 1, 0, 0, 0, 2},
		CAS:     42,
		VBucket: 7,
		Opaque:  1234,
	}

	wire := EncodeRequest(pkt)
	got, consumed, err := TryDecode(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), consumed)
	assert.False(t, got.IsResponse)
	assert.Equal(t, pkt.OpCode, got.OpCode)
	assert.Equal(t, pkt.Key, got.Key)
	assert.Equal(t, pkt.Value, got.Value)
	assert.Equal(t, pkt.Extras, got.Extras)
	assert.Equal(t, pkt.CAS, got.CAS)
	assert.Equal(t, pkt.VBucket, got.VBucket)
	assert.Equal(t, pkt.Opaque, got.Opaque)
}

func TestTryDecodeWaitsForFullPacket(t *testing.T) {
	pkt := &Packet{OpCode: OpGetK, Key: []byte("k"), Opaque: 1}
	wire := EncodeRequest(pkt)

	got, consumed, err := TryDecode(wire[:HeaderLen])
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, consumed)

	got, consumed, err = TryDecode(wire[:len(wire)-1])
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, consumed)

	got, consumed, err = TryDecode(wire)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, len(wire), consumed)
}

func TestTryDecodeRejectsBadMagic(t *testing.T) {
	wire := EncodeRequest(&Packet{OpCode: OpNoOp})
	wire[0] = 0x00

	_, _, err := TryDecode(wire)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeResponseCarriesStatus(t *testing.T) {
	wire := EncodeResponse(&Packet{OpCode: OpGet, Status: StatusKeyNotFound, Opaque: 9})
	got, _, err := TryDecode(wire)
	require.NoError(t, err)
	assert.True(t, got.IsResponse)
	assert.Equal(t, StatusKeyNotFound, got.Status)
}

func TestOpaqueIsLittleEndianOnWire(t *testing.T) {
	wire := EncodeRequest(&Packet{OpCode: OpNoOp, Opaque: 0x01020304})
	assert.Equal(t, byte(0x04), wire[12])
	assert.Equal(t, byte(0x03), wire[13])
	assert.Equal(t, byte(0x02), wire[14])
	assert.Equal(t, byte(0x01), wire[15])
}

func TestHeaderFieldsAreBigEndianExceptOpaque(t *testing.T) {
	pkt := &Packet{OpCode: OpSet, Key: []byte("ab"), VBucket: 0x0102, Opaque: 1}
	wire := EncodeRequest(pkt)
	assert.Equal(t, byte(0x01), wire[6])
	assert.Equal(t, byte(0x02), wire[7])
}
