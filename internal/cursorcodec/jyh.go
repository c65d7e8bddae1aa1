package cursorcodec

import "encoding/base64"

// jyhEncode implements the checksum cipher from the Cursor ConnectRPC
// handshake: a 48-bit big-endian timestamp (Unix epoch milliseconds
// divided by 1e6, per the production Cursor variant), scrambled byte by
// byte with a running XOR-and-offset key, then URL-safe base64 with no
// padding.
//
// Per byte: b[i] = ((b[i] XOR k) + (i mod 256)) & 0xFF, then k advances to
// the just-computed b[i] (not the original), starting from k = 165.
func jyhEncode(timestamp uint64) string {
	buf := make([]byte, 6)
	v := timestamp
	for i := 5; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}

	k := byte(165)
	for i := range buf {
		buf[i] = (buf[i] ^ k) + byte(i%256)
		k = buf[i]
	}

	return base64.RawURLEncoding.EncodeToString(buf)
}
