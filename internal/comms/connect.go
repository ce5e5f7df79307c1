package comms

import (
	"fmt"
	"time"

	"ms-registration/internal/logger"

	"github.com/nats-io/nats.go"
)

// Connect opens a NATS connection that keeps reconnecting in the
// background; publishes made while disconnected are buffered by the client.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	log.Info("NATS", fmt.Sprintf("Connecting to %s as %s", url, name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS", fmt.Sprintf("Disconnected: %v", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS", fmt.Sprintf("Reconnected to %s", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS", "Connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("NATS", fmt.Sprintf("Connected to %s", nc.ConnectedUrl()))
	return nc, nil
}
