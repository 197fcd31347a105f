package grpc

import (
	"errors"
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"github.com/queryboost/queryboost-go/version"
	"google.golang.org/grpc/metadata"
)

// ServerVersionHeader is the response header the service reports its release in
const ServerVersionHeader = "queryboost-server-version"

var ErrIncompatibleServer = errors.New("incompatible server version")

// checkServerVersion fails if the service is older than version.MinServerVersion
// a service which does not report its version is assumed compatible
func checkServerVersion(md metadata.MD) error {
	values := md.Get(ServerVersionHeader)
	if len(values) == 0 {
		return nil
	}
	server, err := goversion.NewVersion(values[0])
	if err != nil {
		return fmt.Errorf("%w: cannot parse %q: %w", ErrIncompatibleServer, values[0], err)
	}
	minimum := goversion.Must(goversion.NewVersion(version.MinServerVersion))
	if server.LessThan(minimum) {
		return fmt.Errorf("%w: server is %s, this client requires at least %s", ErrIncompatibleServer, server, minimum)
	}
	return nil
}
