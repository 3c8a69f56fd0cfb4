package gossip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_EncodeDecodeRoundtrip(t *testing.T) {
	msg := Message{
		Kind:        KindHello,
		Version:     CurrentVersion,
		ClusterName: "xapiand",
		Addr:        0xC0A80001,
		HTTPPort:    8880,
		BinaryPort:  8881,
		NodeName:    "alpha",
		PID:         4242,
	}

	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	got, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestMessage_DecodeRejectsShortDatagram(t *testing.T) {
	_, err := Decode([]byte{0, 1})
	assert.Error(t, err)
}

func TestProtocolVersion_MajorMismatchIncompatible(t *testing.T) {
	v1 := ProtocolVersion{Major: 1, Minor: 0}
	v2 := ProtocolVersion{Major: 2, Minor: 0}
	assert.False(t, v1.Compatible(v2))
}

func TestProtocolVersion_MinorMismatchTolerated(t *testing.T) {
	v1 := ProtocolVersion{Major: 1, Minor: 0}
	v2 := ProtocolVersion{Major: 1, Minor: 5}
	assert.True(t, v1.Compatible(v2))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "HELLO", KindHello.String())
	assert.Equal(t, "BYE", KindBye.String())
}
