package health

import (
	"context"
	"fmt"
	"net"
)

// TCPCheck dials address and reports whether a connection can be opened.
func TCPCheck(address string) CheckFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		return conn.Close()
	}
}
