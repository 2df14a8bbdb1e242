package httpservice

import (
	"fmt"
	"net"
	"time"
)

type Config struct {
	Host           string
	Port           uint32
	RequestTimeout time.Duration
}

func (c Config) Validate() error {
	lis, err := net.Listen("tcp", c.address())
	if err != nil {
		return fmt.Errorf("invalid port: %s", err)
	}
	// nolint:all
	defer lis.Close()

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout")
	}
	return nil
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}
