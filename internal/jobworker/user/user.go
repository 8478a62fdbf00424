// Package user provides an API for interaction with control surface callers.
package user

import (
	"context"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// Service extracts caller identity from mTLS-authenticated control surface
// requests.
type Service struct{}

// User extracts the calling user's certificate common name from ctx. The ok
// return value indicates whether a verified identity was found.
func (s Service) User(ctx context.Context) (name string, ok bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", false
	}
	if len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", false
	}

	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName, true
}
