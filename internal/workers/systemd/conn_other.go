//go:build !linux

package systemd

import "context"

// Conn is unavailable outside linux.
type Conn struct {
	c unitConn
}

func Dial(context.Context) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Close() {}
