package gateway

import (
	"github.com/harun/relia/pkg/delivery"
)

// connSender adapts a gateway client to the delivery.Sender interface the
// bus transmits through. Writes share the client's write mutex with control
// frames.
type connSender struct {
	client *Client
}

// SendEnvelope writes one envelope to the client's connection
func (s *connSender) SendEnvelope(env *delivery.Envelope) error {
	return s.client.WriteJSON(env)
}
