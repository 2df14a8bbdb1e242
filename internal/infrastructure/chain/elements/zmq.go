package elements

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightninglabs/gozmq"
	log "github.com/sirupsen/logrus"
)

const zmqReadDeadline = 5 * time.Second

// subscribe keeps a zmq subscription to the topic alive until ctx is done,
// reconnecting with exponential backoff whenever the socket drops.
func (s *service) subscribe(
	ctx context.Context, endpoint, topic string,
	handler func(context.Context, []byte),
) {
	defer s.wg.Done()

	logger := log.WithFields(log.Fields{"endpoint": endpoint, "topic": topic})

	for {
		var conn *gozmq.Conn
		connect := func() error {
			c, err := gozmq.Subscribe(endpoint, []string{topic}, zmqReadDeadline)
			if err != nil {
				logger.WithError(err).Debugf("%s: zmq subscription failed", name)
				return err
			}
			conn = c
			return nil
		}

		policy := backoff.NewExponentialBackOff()
		policy.MaxInterval = time.Minute
		policy.MaxElapsedTime = 0
		if err := backoff.Retry(connect, backoff.WithContext(policy, ctx)); err != nil {
			return
		}
		logger.Infof("%s: subscribed to zmq topic", name)

		err := s.receive(ctx, conn, topic, handler)
		// nolint
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warnf("%s: zmq subscription dropped, reconnecting", name)
	}
}

func (s *service) receive(
	ctx context.Context, conn *gozmq.Conn, topic string,
	handler func(context.Context, []byte),
) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// nolint
			conn.Close()
		case <-done:
		}
	}()

	// topic, body, sequence number
	msgBytes := make([][]byte, 3)
	for {
		msg, err := conn.Receive(msgBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			return err
		}

		if len(msg) < 2 || string(msg[0]) != topic {
			continue
		}
		handler(ctx, msg[1])
	}
}
