package tracking

import (
	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/subject"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authn *auth.Authenticator, authMiddleware fiber.Handler) {
	gw := NewGateway(svc)

	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		var req CreateRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		created, err := svc.CreateSession(c.UserContext(), auth.UserID(c), req)
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.Status(fiber.StatusCreated).JSON(created)
	})

	r.Post("/sessions/:id/end", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.EndSession(c.UserContext(), c.Params("id"), auth.UserID(c))
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.JSON(sess)
	})

	r.Get("/sessions/:id", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.GetSession(c.UserContext(), c.Params("id"), auth.UserID(c))
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.JSON(sess)
	})

	r.Get("/share/:token", func(c *fiber.Ctx) error {
		sess, err := svc.Shares().Resolve(c.UserContext(), c.Params("token"))
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.JSON(sess.Public())
	})

	for _, kind := range []subject.Type{subject.Order, subject.Transport} {
		kind := kind
		r.Get("/"+string(kind)+"_live_state/:subject_id", func(c *fiber.Ctx) error {
			s, err := subject.Parse(string(kind), c.Params("subject_id"))
			if err != nil {
				return apperr.Fiber(err)
			}
			cred, err := credential(c, authn)
			if err != nil {
				return apperr.Fiber(err)
			}
			status, err := gw.Poll(c.UserContext(), s, cred)
			if err != nil {
				return apperr.Fiber(err)
			}
			c.Set(fiber.HeaderCacheControl, "no-store")
			return c.JSON(status)
		})
	}

	registerStreams(r.Group("/ws"), svc, gw, authn)
}

// credential reads an observer credential: ?share_token= takes precedence
// over a ticket or bearer header.
func credential(c *fiber.Ctx, authn *auth.Authenticator) (Credential, error) {
	if token := c.Query("share_token"); token != "" {
		return Credential{ShareToken: token}, nil
	}
	userID, err := authn.Identify(c)
	if err != nil {
		return Credential{}, err
	}
	return Credential{UserID: userID}, nil
}
