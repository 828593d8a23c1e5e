package router

import (
	"crypto/x509"
)

// IdentityResolver resolves the identity of a socket from the
// certificates it presented, it is used by listeners when the socket
// greets with an empty identity.
//
// Implementations MUST NOT block, they run on the connection
// establishment critical path.
type IdentityResolver func(certs []*x509.Certificate) ([]byte, error)

// CommonNameResolver is the default resolver, it uses the x509 Subject
// Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 || certs[0].Subject.CommonName == "" {
		return nil, ErrIdentityResolve
	}
	return []byte(certs[0].Subject.CommonName), nil
}
