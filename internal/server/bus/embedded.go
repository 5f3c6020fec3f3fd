package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded runs an in-process NATS server for single-node deployments
// so the bus code path stays identical with and without an external broker.
func StartEmbedded(port int) (*natsserver.Server, string, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, "", fmt.Errorf("embedded nats: not ready")
	}
	return srv, srv.ClientURL(), nil
}
