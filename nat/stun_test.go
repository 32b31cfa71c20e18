package nat

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Stun_BindingRequestLayout(t *testing.T) {
	request := buildBindingRequest()
	require.Len(t, request, 20)

	require.EqualValues(t, stunBindingRequest, binary.BigEndian.Uint16(request[0:]))
	require.EqualValues(t, 0, binary.BigEndian.Uint16(request[2:]))
	require.EqualValues(t, stunMagicCookie, binary.BigEndian.Uint32(request[4:]))

	// Transaction ids must differ between requests.
	other := buildBindingRequest()
	require.NotEqual(t, request[8:20], other[8:20])
}

// craftResponse builds a binding response carrying the given attributes.
func craftResponse(attrs []byte) []byte {
	response := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(response[0:], stunBindingResponse)
	binary.BigEndian.PutUint16(response[2:], uint16(len(attrs)))
	binary.BigEndian.PutUint32(response[4:], stunMagicCookie)
	return append(response, attrs...)
}

// xorMappedAttr encodes ip:port as an XOR-MAPPED-ADDRESS attribute.
func xorMappedAttr(ip string, port uint16) []byte {
	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:], stunAttrXorMappedAddress)
	binary.BigEndian.PutUint16(attr[2:], 8)
	attr[5] = 0x01 // IPv4
	binary.BigEndian.PutUint16(attr[6:], port^uint16(stunMagicCookie>>16))

	addr := binary.BigEndian.Uint32(net.ParseIP(ip).To4())
	binary.BigEndian.PutUint32(attr[8:], addr^stunMagicCookie)
	return attr
}

func Test_Stun_ParseXorMappedAddress(t *testing.T) {
	response := craftResponse(xorMappedAttr("203.0.113.45", 54321))

	ip, port, err := parseBindingResponse(response)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.45", ip)
	require.EqualValues(t, 54321, port)
}

func Test_Stun_ParseMappedAddressFallback(t *testing.T) {
	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:], stunAttrMappedAddress)
	binary.BigEndian.PutUint16(attr[2:], 8)
	attr[5] = 0x01
	binary.BigEndian.PutUint16(attr[6:], 8080)
	copy(attr[8:], net.ParseIP("198.51.100.9").To4())

	ip, port, err := parseBindingResponse(craftResponse(attr))
	require.NoError(t, err)
	require.Equal(t, "198.51.100.9", ip)
	require.EqualValues(t, 8080, port)
}

func Test_Stun_ParseSkipsPaddedAttributes(t *testing.T) {
	// A SOFTWARE attribute of odd length forces the parser to honor the
	// 4-byte padding before the mapped address.
	software := make([]byte, 4, 12)
	binary.BigEndian.PutUint16(software[0:], 0x8022)
	binary.BigEndian.PutUint16(software[2:], 5)
	software = append(software, []byte("stun!")...)
	software = append(software, 0, 0, 0) // padding

	attrs := append(software, xorMappedAttr("203.0.113.45", 54321)...)

	ip, port, err := parseBindingResponse(craftResponse(attrs))
	require.NoError(t, err)
	require.Equal(t, "203.0.113.45", ip)
	require.EqualValues(t, 54321, port)
}

func Test_Stun_ParseRejectsGarbage(t *testing.T) {
	_, _, err := parseBindingResponse(nil)
	require.Error(t, err)

	_, _, err = parseBindingResponse(make([]byte, 8))
	require.Error(t, err)

	// Right size, wrong message type.
	bad := craftResponse(nil)
	binary.BigEndian.PutUint16(bad[0:], stunBindingRequest)
	_, _, err = parseBindingResponse(bad)
	require.Error(t, err)

	// Bad magic cookie.
	bad = craftResponse(nil)
	binary.BigEndian.PutUint32(bad[4:], 0xdeadbeef)
	_, _, err = parseBindingResponse(bad)
	require.Error(t, err)

	// No address attribute at all.
	_, _, err = parseBindingResponse(craftResponse(nil))
	require.Error(t, err)
}

func Test_Stun_ParseIgnoresNonIPv4Family(t *testing.T) {
	attr := xorMappedAttr("203.0.113.45", 54321)
	attr[5] = 0x02 // IPv6 family: skipped

	_, _, err := parseBindingResponse(craftResponse(attr))
	require.Error(t, err)
}
