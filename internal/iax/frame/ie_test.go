package frame

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIEListRoundTrip(t *testing.T) {
	l := &IEList{}
	l.AddString(TagUsername, "alice")
	l.AddUint32(TagFormat, uint32(FormatULaw))
	l.AddUint16(TagRefresh, 60)
	l.Add(Tag(200), []byte{0xde, 0xad}) // unknown tag, must survive verbatim

	encoded := EncodeIEList(l)
	decoded, err := DecodeIEList(encoded)
	require.NoError(t, err)
	require.Equal(t, l.Items, decoded.Items)
}

func TestIEListTypedAccessors(t *testing.T) {
	l := &IEList{}
	l.AddString(TagUsername, "bob")
	l.AddUint8(TagCauseCode, 42)
	l.AddUint16(TagExpire, 3600)
	l.AddUint32(TagCapability, 0x1234)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4569}
	l.AddAddress(TagApparentAddr, addr)

	user, ok := l.GetString(TagUsername)
	require.True(t, ok)
	require.Equal(t, "bob", user)

	cause, ok := l.GetUint8(TagCauseCode)
	require.True(t, ok)
	require.EqualValues(t, 42, cause)

	expire, ok := l.GetUint16(TagExpire)
	require.True(t, ok)
	require.EqualValues(t, 3600, expire)

	capability, ok := l.GetUint32(TagCapability)
	require.True(t, ok)
	require.EqualValues(t, 0x1234, capability)

	got, ok := l.GetAddress(TagApparentAddr)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", got.IP.String())
	require.Equal(t, 4569, got.Port)
}

func TestIEListDuplicateTagsPreserveOrder(t *testing.T) {
	l := &IEList{}
	l.AddString(TagCause, "first")
	l.AddString(TagCause, "second")

	all := l.All(TagCause)
	require.Equal(t, []string{"first", "second"}, []string{string(all[0]), string(all[1])})

	first, ok := l.GetString(TagCause)
	require.True(t, ok)
	require.Equal(t, "first", first)
}

func TestDecodeIEListShortBuffer(t *testing.T) {
	_, err := DecodeIEList([]byte{byte(TagUsername), 5, 'a', 'b'})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeIEListBadVersion(t *testing.T) {
	l := &IEList{}
	l.AddUint16(TagVersion, 99)
	_, err := DecodeIEList(EncodeIEList(l))
	require.ErrorIs(t, err, ErrBadVersion)
}
