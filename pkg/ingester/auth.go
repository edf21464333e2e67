package ingester

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the JWT payload lava_callback.py's decode_jwt/
// validate_permissions expect: an email identifying the caller and a
// list of permission strings gating each /api endpoint.
type claims struct {
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// decodeJWT parses and HS256-verifies tokenStr against secret,
// mirroring decode_jwt's `jwt.decode(jwtstr, secret, algorithms=['HS256'])`.
func decodeJWT(tokenStr, secret string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenStr, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// validatePermissions decodes bearerToken and checks permission is
// present in its claims, mirroring validate_permissions in full: a
// missing secret, a decode failure, an empty permissions list, or a
// missing permission all fail closed.
func (s *Server) validatePermissions(bearerToken, permission string) (*claims, bool) {
	if bearerToken == "" {
		return nil, false
	}
	secret := s.settings.JWT.Secret
	if secret == "" {
		s.logger.Error().Msg("no JWT secret configured")
		return nil, false
	}
	c, err := decodeJWT(bearerToken, secret)
	if err != nil {
		s.logger.Error().Err(err).Msg("error decoding JWT")
		return nil, false
	}
	if len(c.Permissions) == 0 {
		s.logger.Error().Msg("no permissions in JWT")
		return nil, false
	}
	for _, p := range c.Permissions {
		if p == permission {
			return c, true
		}
	}
	s.logger.Error().Str("permission", permission).Msg("permission not in JWT")
	return nil, false
}

// authHeader returns the raw Authorization header value. Neither the
// lab-token callback auth nor the JWT /api endpoints expect a "Bearer "
// prefix in the original — the header value is compared/decoded
// as-is — so this is deliberately not stripped.
func authHeader(r *http.Request) string {
	return r.Header.Get("Authorization")
}
