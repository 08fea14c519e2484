// Package auth decides what a connection may do with a document before any
// document bytes are exchanged.
package auth

import (
	"context"

	"go.uber.org/zap"

	"coedit/common"
)

// Capability is what an admitted session may do.
type Capability string

const (
	// CapabilityReadWrite admits the session with full edit rights.
	CapabilityReadWrite Capability = "read-write"
	// CapabilityReadOnly admits the session as a live viewer; its
	// content mutations are rejected at the gate.
	CapabilityReadOnly Capability = "read-only"
)

// Visibility is a content record's audience.
type Visibility string

const (
	// VisibilityPrivate restricts the document to its owner.
	VisibilityPrivate Visibility = "private"
	// VisibilityPublished makes the document publicly readable.
	VisibilityPublished Visibility = "published"
)

// Identity is a resolved collaborator.
type Identity struct {
	ID          string
	DisplayName string
}

// ContentRecord is the slice of the content system the gate needs: who owns
// the document and who may read it.
type ContentRecord struct {
	OwnerID    string
	Visibility Visibility
}

// Decision is a successful authorization.
type Decision struct {
	Identity   Identity
	Capability Capability
}

// IdentityResolver resolves a credential to an identity. Malformed or
// expired credentials fail with ErrInvalidCredential.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (Identity, error)
}

// ContentResolver resolves a document key to its content record. An absent
// record fails with ErrDocumentNotFound.
type ContentResolver interface {
	ResolveContentRecord(ctx context.Context, key string) (ContentRecord, error)
}

// Policy holds the gate's configurable rules.
type Policy struct {
	// AllowPublishedReadOnly grants read-only collaboration access on
	// published documents to any authenticated identity. Off, published
	// documents admit only their owner.
	AllowPublishedReadOnly bool
}

// Gate is the authorization decision point. It holds no session state; the
// decision is its only output.
type Gate struct {
	identities IdentityResolver
	content    ContentResolver
	policy     Policy
	logger     *zap.Logger
}

// NewGate creates a gate over the given resolvers.
func NewGate(identities IdentityResolver, content ContentResolver, policy Policy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		identities: identities,
		content:    content,
		policy:     policy,
		logger:     logger,
	}
}

// Authorize resolves the credential and the content record and decides:
// owner → read-write; published and policy allows → read-only; otherwise
// denied with ErrAccessDenied. It mutates nothing.
func (g *Gate) Authorize(ctx context.Context, key, credential string) (Decision, error) {
	identity, err := g.identities.ResolveIdentity(ctx, credential)
	if err != nil {
		g.logger.Debug("credential rejected", zap.String("document", key), zap.Error(err))
		return Decision{}, err
	}

	record, err := g.content.ResolveContentRecord(ctx, key)
	if err != nil {
		g.logger.Debug("content record unresolved", zap.String("document", key), zap.Error(err))
		return Decision{}, err
	}

	if record.OwnerID == identity.ID {
		return Decision{Identity: identity, Capability: CapabilityReadWrite}, nil
	}
	if record.Visibility == VisibilityPublished && g.policy.AllowPublishedReadOnly {
		return Decision{Identity: identity, Capability: CapabilityReadOnly}, nil
	}

	return Decision{}, common.ErrAccessDenied{Key: key, Identity: identity.ID}
}
