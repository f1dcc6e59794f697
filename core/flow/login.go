package flow

import (
	"context"
	"fmt"

	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/session"
)

// TokenIssuer issues the credential pair handed to a client after login.
type TokenIssuer interface {
	Issue(accountID string) (*session.TokenPair, error)
}

// Completer turns a canonical identity into a LoginResult: it binds the
// identity to a local account and issues tokens for that account. Both the
// QR-code flow and the redirect flow finish through it.
type Completer struct {
	binder *Binder
	issuer TokenIssuer
}

func NewCompleter(binder *Binder, issuer TokenIssuer) *Completer {
	return &Completer{binder: binder, issuer: issuer}
}

func (c *Completer) Complete(ctx context.Context, info *identity.UserInfo) (*identity.LoginResult, error) {
	acct, err := c.binder.Bind(ctx, info)
	if err != nil {
		return nil, err
	}

	pair, err := c.issuer.Issue(acct.ID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens for account %s: %w", acct.ID, err)
	}

	name := acct.DisplayName
	if name == "" {
		name = info.DisplayName()
	}
	avatar := acct.Avatar
	if avatar == "" {
		avatar = info.Avatar
	}

	return &identity.LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		AccountID:    acct.ID,
		DisplayName:  name,
		Avatar:       avatar,
	}, nil
}
