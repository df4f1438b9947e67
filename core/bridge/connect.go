package bridge

import (
	"time"

	kerrors "kestrel/core/errors"
	"kestrel/core/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect opens a NATS connection that keeps reconnecting and reports
// connection changes to log.
func Connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	log = logger.OrNop(log).Named("bridge")
	log.Info("Connecting to NATS", zap.String("url", url), zap.String("name", name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, kerrors.Wrap(err, "connect to NATS at "+url)
	}
	log.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
