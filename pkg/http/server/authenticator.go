package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Authenticator can be used to grant or deny access to a HTTP server.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// AuthenticationPolicy is the configuration of an Authenticator.
// Exactly one of the fields must be set.
type AuthenticationPolicy struct {
	// Grant access to all requests.
	Allow *struct{} `json:"allow,omitempty"`
	// Deny access to all requests, returning the provided message.
	Deny string `json:"deny,omitempty"`
	// Grant access if any of the policies grants access.
	Any []*AuthenticationPolicy `json:"any,omitempty"`
	// Grant access to requests that carry one of the tokens in an
	// "Authorization: Bearer" header.
	BearerTokens []string `json:"bearerTokens,omitempty"`
}

// NewAuthenticatorFromConfiguration creates a tree of Authenticator
// objects based on a configuration file.
func NewAuthenticatorFromConfiguration(policy *AuthenticationPolicy) (Authenticator, error) {
	if policy == nil {
		return nil, status.Error(codes.InvalidArgument, "Authentication policy not specified")
	}
	switch {
	case policy.Allow != nil:
		return NewAllowAuthenticator(), nil
	case policy.Deny != "":
		return NewDenyAuthenticator(policy.Deny), nil
	case len(policy.Any) > 0:
		children := make([]Authenticator, 0, len(policy.Any))
		for i, childPolicy := range policy.Any {
			child, err := NewAuthenticatorFromConfiguration(childPolicy)
			if err != nil {
				return nil, util.StatusWrapf(err, "Policy %d", i)
			}
			children = append(children, child)
		}
		return NewAnyAuthenticator(children), nil
	case len(policy.BearerTokens) > 0:
		return NewBearerTokenAuthenticator(policy.BearerTokens), nil
	default:
		return nil, status.Error(codes.InvalidArgument, "Configuration did not contain an authentication policy type")
	}
}

type allowAuthenticator struct{}

// NewAllowAuthenticator creates an implementation of Authenticator that
// simply always returns success. This implementation can be used in
// case a HTTP server needs to be started that does not perform any
// authentication.
func NewAllowAuthenticator() Authenticator {
	return allowAuthenticator{}
}

func (allowAuthenticator) Authenticate(r *http.Request) error {
	return nil
}

type denyAuthenticator struct {
	err error
}

// NewDenyAuthenticator creates an Authenticator that always denies
// access.
func NewDenyAuthenticator(message string) Authenticator {
	return denyAuthenticator{
		err: status.Error(codes.Unauthenticated, message),
	}
}

func (a denyAuthenticator) Authenticate(r *http.Request) error {
	return a.err
}

type anyAuthenticator struct {
	authenticators []Authenticator
}

// NewAnyAuthenticator creates an Authenticator that grants access if
// any of the provided Authenticators grants access. The error of the
// last Authenticator is returned otherwise.
func NewAnyAuthenticator(authenticators []Authenticator) Authenticator {
	if len(authenticators) == 1 {
		return authenticators[0]
	}
	return &anyAuthenticator{
		authenticators: authenticators,
	}
}

func (a *anyAuthenticator) Authenticate(r *http.Request) error {
	err := status.Error(codes.Unauthenticated, "No authenticators configured")
	for _, authenticator := range a.authenticators {
		if err = authenticator.Authenticate(r); err == nil {
			return nil
		}
	}
	return err
}

type bearerTokenAuthenticator struct {
	tokenHashes [][sha256.Size]byte
}

// NewBearerTokenAuthenticator creates an Authenticator that grants
// access to requests that carry one of a fixed set of tokens.
func NewBearerTokenAuthenticator(tokens []string) Authenticator {
	a := &bearerTokenAuthenticator{}
	for _, token := range tokens {
		a.tokenHashes = append(a.tokenHashes, sha256.Sum256([]byte(token)))
	}
	return a
}

func (a *bearerTokenAuthenticator) Authenticate(r *http.Request) error {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return status.Error(codes.Unauthenticated, "Request does not contain a bearer token")
	}
	// Compare hashes, so that the comparison takes constant time
	// regardless of the length of the token.
	tokenHash := sha256.Sum256([]byte(token))
	for _, expectedHash := range a.tokenHashes {
		if subtle.ConstantTimeCompare(tokenHash[:], expectedHash[:]) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "Invalid bearer token")
}
