package hostapi

import (
	"net"
	"testing"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/keyprovider"
	"github.com/stretchr/testify/require"
)

// truncatingProvider accepts one request and replies with only two bytes of
// the length prefix.
func truncatingProvider(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req interfaces.SealingKeyRequest
		keyprovider.ReadFrame(conn, &req)
		conn.Write([]byte{0, 0})
	}()
	return l.Addr().String()
}
