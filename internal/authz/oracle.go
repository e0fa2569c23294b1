// Package authz resolves whether a user may access a document.
package authz

import "context"

// Oracle answers document access questions. An error means the answer is
// unknown, not that access is denied; the policy for unknown answers lives
// in the access gate.
type Oracle interface {
	CanAccess(ctx context.Context, userID, documentID string) (bool, error)
}
