package auth

import (
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, tickets *Tickets, secret string) {
	r.Post("/tickets", JWTMiddleware(secret), func(c *fiber.Ctx) error {
		ticket, err := tickets.Issue(UserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not issue ticket")
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"ticket":     ticket,
			"expires_in": int64(tickets.TTL().Seconds()),
		})
	})

	r.Get("/jwt/verify", func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		userID, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		return c.JSON(fiber.Map{"user_id": userID})
	})
}
