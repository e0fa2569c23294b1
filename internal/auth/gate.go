package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/penflow/syncd/internal/authz"
)

var (
	// ErrUnauthenticated rejects a connection with no usable identity.
	// Maps to 401 at the transport.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden rejects an authenticated user without document access.
	// Maps to 403 at the transport.
	ErrForbidden = errors.New("forbidden")
)

// AuthContext is the admission decision carried by an accepted connection.
type AuthContext struct {
	UserID    string
	Document  string
	Anonymous bool
}

// Gate decides admission before the WebSocket handshake completes. In
// insecure dev mode a missing or invalid credential degrades to an anonymous
// identity and an unavailable permission oracle fails open; in production
// both fail closed.
type Gate struct {
	verifier    TokenVerifier
	oracle      authz.Oracle
	insecureDev bool
	logger      *slog.Logger
}

// NewGate builds a gate from a token verifier and a permission oracle.
func NewGate(verifier TokenVerifier, oracle authz.Oracle, insecureDev bool, logger *slog.Logger) *Gate {
	return &Gate{
		verifier:    verifier,
		oracle:      oracle,
		insecureDev: insecureDev,
		logger:      logger,
	}
}

// Admit decides whether the holder of token may join document. The returned
// error is ErrUnauthenticated, ErrForbidden, or nil.
func (g *Gate) Admit(ctx context.Context, token, document string) (*AuthContext, error) {
	if token == "" {
		return g.admitAnonymous(document, "no token supplied")
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		if g.insecureDev {
			return g.admitAnonymous(document, "invalid token in dev mode")
		}
		g.logger.Warn("rejecting connection: invalid token",
			"document", document, "error", err)
		return nil, ErrUnauthenticated
	}

	allowed, err := g.oracle.CanAccess(ctx, claims.UserID, document)
	if err != nil {
		if g.insecureDev {
			g.logger.Warn("permission oracle unavailable, admitting in dev mode",
				"document", document, "user", claims.UserID, "error", err)
			return &AuthContext{UserID: claims.UserID, Document: document}, nil
		}
		g.logger.Error("permission oracle unavailable, rejecting",
			"document", document, "user", claims.UserID, "error", err)
		return nil, ErrForbidden
	}
	if !allowed {
		g.logger.Warn("rejecting connection: no document access",
			"document", document, "user", claims.UserID)
		return nil, ErrForbidden
	}

	return &AuthContext{UserID: claims.UserID, Document: document}, nil
}

func (g *Gate) admitAnonymous(document, reason string) (*AuthContext, error) {
	if !g.insecureDev {
		return nil, ErrUnauthenticated
	}
	userID := "anon-" + uuid.NewString()
	g.logger.Warn("admitting anonymous connection",
		"document", document, "user", userID, "reason", reason)
	return &AuthContext{UserID: userID, Document: document, Anonymous: true}, nil
}
