// Package userinfo implements the UserInfoService spec.md §6 names: the
// scope-filtered claims endpoint a bearer access token authorizes.
package userinfo

import (
	"context"
	"strings"

	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/token"
	"github.com/aegisid/op/pkg/users"
)

// scopeClaims maps a requested scope onto the standard OIDC claims it
// releases (OIDC Core §5.4); "openid" alone only ever yields "sub".
var scopeClaims = map[string][]string{
	"profile": {"name"},
	"email":   {"email", "email_verified"},
}

// Service assembles a userinfo response from a verified access token's
// claims plus the backing user record, filtered to the token's granted
// scope.
type Service struct {
	tokens *token.Issuer
	users  *users.Store
	issuer string
}

func New(tokens *token.Issuer, userStore *users.Store, issuer string) *Service {
	return &Service{tokens: tokens, users: userStore, issuer: issuer}
}

// Claims verifies accessToken and returns the scope-filtered claim set.
func (s *Service) Claims(_ context.Context, accessToken string) (map[string]any, error) {
	claims, err := s.tokens.Verify(accessToken, token.Expectations{Issuer: s.issuer})
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, aerrors.NewInvalidGrantError("access token carries no subject", nil)
	}
	scope, _ := claims["scope"].(string)

	out := map[string]any{"sub": sub}
	u, ok := s.users.Get(context.Background(), sub)
	if !ok {
		return out, nil
	}

	for scopeName, names := range scopeClaims {
		if !hasScope(scope, scopeName) {
			continue
		}
		for _, name := range names {
			switch name {
			case "name":
				if u.Name != "" {
					out["name"] = u.Name
				}
			case "email":
				if u.Email != "" {
					out["email"] = u.Email
				}
			case "email_verified":
				out["email_verified"] = u.EmailVerified
			}
		}
	}
	return out, nil
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
