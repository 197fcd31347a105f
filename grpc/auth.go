package grpc

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// apiKeyAuth exchanges the API key for a session token in the Flight handshake
// the token is attached to every later call by the Flight client
type apiKeyAuth struct {
	apiKey string

	mu    sync.Mutex
	token string
}

var _ flight.ClientAuthHandler = (*apiKeyAuth)(nil)

func (a *apiKeyAuth) Authenticate(ctx context.Context, c flight.AuthConn) error {
	if err := c.Send([]byte(a.apiKey)); err != nil {
		return err
	}
	token, err := c.Read()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = string(token)
	a.mu.Unlock()
	return nil
}

func (a *apiKeyAuth) GetToken(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, nil
}
