package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// ClientConn is a client.Conn over UDP. Reads honour the context deadline and
// cancellation.
type ClientConn struct {
	conn   net.PacketConn
	server net.Addr
}

// DialClient binds the client port on device (empty for any) with broadcast
// enabled and addresses requests to server ("host:port").
func DialClient(device string, port int, server string) (*ClientConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve server %q: %w", server, err)
	}
	conn, err := server4.NewIPv4UDPConn(device, &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind client port %d: %w", port, err)
	}
	return NewClientConn(conn, addr), nil
}

// NewClientConn wraps an existing socket.
func NewClientConn(conn net.PacketConn, server net.Addr) *ClientConn {
	return &ClientConn{conn: conn, server: server}
}

func (c *ClientConn) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.WriteTo(b, c.server)
	return err
}

func (c *ClientConn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxDatagram)
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if ctx.Err() != nil && errors.As(err, &ne) && ne.Timeout() {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return buf[:n], nil
}

// LocalAddr reports the bound address.
func (c *ClientConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *ClientConn) Close() error { return c.conn.Close() }
