//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Conn is a shared system-bus connection for every systemd worker.
type Conn struct {
	c *dbus.Conn
}

// Dial connects to the system bus.
func Dial(ctx context.Context) (*Conn, error) {
	c, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Conn{c: c}, nil
}

func (c *Conn) Close() {
	if c != nil && c.c != nil {
		c.c.Close()
	}
}
