package auth

import (
	"strings"

	"backend-livetrack/internal/shared/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// JWTMiddleware validates bearer tokens and stores user_id in locals.
func JWTMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		parsed, err := parseMiddlewareClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
			return secretBytes, nil
		})
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims, ok := parsed.Claims.(*Claims)
		if !ok || !parsed.Valid || claims.UserID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
		}

		c.Locals("user_id", claims.UserID)
		return c.Next()
	}
}

var parseMiddlewareClaimsFn = jwt.ParseWithClaims

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserID returns the identity stored by JWTMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

// Authenticator identifies the caller of a WebSocket handshake from a
// ?ticket= parameter or an Authorization header.
type Authenticator struct {
	svc     *Service
	tickets *Tickets
}

func NewAuthenticator(svc *Service, tickets *Tickets) *Authenticator {
	return &Authenticator{svc: svc, tickets: tickets}
}

// Identify returns the caller's user id, or "" with a nil error when the
// request carries no credential at all.
func (a *Authenticator) Identify(c *fiber.Ctx) (string, error) {
	if ticket := c.Query("ticket"); ticket != "" {
		return a.tickets.Redeem(ticket)
	}
	if header := c.Get("Authorization"); header != "" {
		token := bearerFromHeader(header)
		if token == "" {
			return "", apperr.Unauthorized("malformed authorization header")
		}
		userID, err := a.svc.ValidateAccessToken(token)
		if err != nil {
			return "", apperr.Unauthorized("token invalid")
		}
		return userID, nil
	}
	return "", nil
}
