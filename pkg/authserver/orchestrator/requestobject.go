package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
)

const (
	parURNPrefix         = "urn:ietf:params:oauth:request_uri:"
	requestObjectTimeout = 3 * time.Second
	maxRequestObjectSize = 32 * 1024
)

// requestObjectClient fetches and verifies signed Request Objects (RFC
// 9101) referenced by request_uri or inlined in the request parameter,
// implementing spec §4.7's parameter-resolution order (a)-(d).
type requestObjectClient struct {
	httpClient *http.Client
	jwksCache  *jwk.Cache // httprc-backed; refreshes client JWKS in the background instead of a one-shot fetch per verification
	registered map[string]bool
}

func newRequestObjectClient() *requestObjectClient {
	httpClient := &http.Client{Timeout: requestObjectTimeout}
	cache := jwk.NewCache(context.Background(), httprc.NewClient())
	return &requestObjectClient{
		httpClient: httpClient,
		jwksCache:  cache,
		registered: make(map[string]bool),
	}
}

// resolveParams implements the (a)/(b)/(c)/(d) order: PAR record, remote
// request_uri fetch, inline signed request object, or raw query params.
func (c *requestObjectClient) resolveParams(ctx context.Context, q url.Values, pars *storage.PARStore, clientJWKSURI string) (url.Values, error) {
	if ru := q.Get("request_uri"); ru != "" {
		switch {
		case strings.HasPrefix(ru, parURNPrefix):
			rec, ok := pars.Consume(ctx, ru)
			if !ok {
				return nil, aerrors.NewInvalidRequestError("invalid_request_uri: unknown or already-redeemed request_uri", nil)
			}
			return mapToValues(rec.Parameters), nil
		case strings.HasPrefix(ru, "https://"):
			return c.fetchRequestURI(ctx, ru, clientJWKSURI)
		default:
			return nil, aerrors.NewInvalidRequestError("invalid_request_uri: unsupported scheme", nil)
		}
	}
	if reqObj := q.Get("request"); reqObj != "" {
		return c.verifyRequestObject(ctx, reqObj, clientJWKSURI)
	}
	return q, nil
}

func (c *requestObjectClient) fetchRequestURI(ctx context.Context, requestURI, clientJWKSURI string) (url.Values, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, requestObjectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, requestURI, nil)
	if err != nil {
		return nil, aerrors.NewInvalidRequestError("invalid_request_uri", err)
	}
	req.Header.Set("Accept", "application/oauth-authz-req+jwt")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, aerrors.NewInvalidRequestError("invalid_request_uri: fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestObjectSize))
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, aerrors.NewInvalidRequestError("invalid_request_uri: non-2xx or unreadable response", err)
	}

	return c.verifyRequestObject(ctx, string(body), clientJWKSURI)
}

// verifyRequestObject verifies a signed Request Object's signature
// against the client's registered JWKS (fetched once and cached) and
// returns its claims as url.Values ready to merge into the authorize
// request.
func (c *requestObjectClient) verifyRequestObject(ctx context.Context, compact string, clientJWKSURI string) (url.Values, error) {
	set, err := c.jwksFor(ctx, clientJWKSURI)
	if err != nil {
		return nil, aerrors.NewInvalidRequestError("invalid_request: could not resolve client jwks", err)
	}

	token, err := jwt.Parse(compact, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return resolveKey(set, kid)
	}, jwt.WithValidMethods([]string{"RS256", "ES256", "ES384", "ES512"}))
	if err != nil || !token.Valid {
		return nil, aerrors.NewInvalidRequestError("invalid_request: request object signature verification failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, aerrors.NewInvalidRequestError("invalid_request: request object claims malformed", nil)
	}

	values := url.Values{}
	for k, v := range claims {
		if s, ok := v.(string); ok {
			values.Set(k, s)
		}
	}
	return values, nil
}

// jwksFor resolves a client's registered JWKS through the shared httprc
// cache, registering the URI for background refresh on first use rather
// than re-fetching on every Request Object verification.
func (c *requestObjectClient) jwksFor(ctx context.Context, jwksURI string) (jwk.Set, error) {
	if jwksURI == "" {
		return nil, fmt.Errorf("client has no registered jwks_uri")
	}
	if c.jwksCache == nil {
		return jwk.Fetch(ctx, jwksURI, jwk.WithHTTPClient(c.httpClient))
	}
	if !c.registered[jwksURI] {
		if err := c.jwksCache.Register(ctx, jwksURI); err != nil {
			return nil, err
		}
		c.registered[jwksURI] = true
	}
	return c.jwksCache.Lookup(ctx, jwksURI)
}

func resolveKey(set jwk.Set, kid string) (any, error) {
	var key jwk.Key
	var ok bool
	if kid != "" {
		key, ok = set.LookupKeyID(kid)
	} else if set.Len() == 1 {
		key, ok = set.Key(0)
	}
	if !ok {
		return nil, fmt.Errorf("no matching key for id %q in client jwks", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func mapToValues(m map[string]string) url.Values {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}
