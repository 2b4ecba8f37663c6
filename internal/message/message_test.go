package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	created := time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)
	in := Message{
		ID:           NewID(),
		Subject:      "orders",
		ContentType:  "text/plain",
		CreationTime: created,
		Properties:   map[string]string{"region": "eu", "priority": "high"},
		Body:         []byte("hello"),
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Subject, out.Subject)
	require.Equal(t, in.ContentType, out.ContentType)
	require.True(t, created.Equal(out.CreationTime))
	require.Equal(t, in.Properties, out.Properties)
	require.Equal(t, in.Body, out.Body)
}

func TestEncodingIsCanonical(t *testing.T) {
	a := Message{ID: "m-1", Properties: map[string]string{"a": "1", "b": "2", "c": "3"}}
	b := Message{ID: "m-1", Properties: map[string]string{"c": "3", "a": "1", "b": "2"}}
	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)
	require.Equal(t, ea, eb)
}

func TestMissingIDRejected(t *testing.T) {
	_, err := Encode(Message{Body: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrDecode)
}

func TestNewStampsIDAndTime(t *testing.T) {
	m := New("subject", []byte("body"))
	require.NotEmpty(t, m.ID)
	require.False(t, m.CreationTime.IsZero())
	require.NotEqual(t, m.ID, New("subject", nil).ID)
}
