package access

import (
	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/subject"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts participant management under
// /:subject_type/:subject_id/participants. Any participant may list; only an
// owner may add or change roles.
func RegisterRoutes(r fiber.Router, p *Participants, authMiddleware fiber.Handler) {
	r.Get("/:subject_type/:subject_id/participants", authMiddleware, func(c *fiber.Ctx) error {
		s, err := subject.Parse(c.Params("subject_type"), c.Params("subject_id"))
		if err != nil {
			return apperr.Fiber(err)
		}
		role, err := p.Role(c.UserContext(), auth.UserID(c), s)
		if err != nil {
			return apperr.Fiber(err)
		}
		if role == "" {
			return apperr.Fiber(apperr.Forbidden("not a participant of this subject"))
		}
		members, err := p.List(c.UserContext(), s)
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.JSON(members)
	})

	r.Post("/:subject_type/:subject_id/participants", authMiddleware, func(c *fiber.Ctx) error {
		s, err := subject.Parse(c.Params("subject_type"), c.Params("subject_id"))
		if err != nil {
			return apperr.Fiber(err)
		}
		var body struct {
			UserID string `json:"user_id"`
			Role   Role   `json:"role"`
		}
		if err := c.BodyParser(&body); err != nil || body.UserID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "user_id required")
		}
		if body.Role != "" && !body.Role.Valid() {
			return fiber.NewError(fiber.StatusBadRequest, "role must be owner, carrier, counterparty or viewer")
		}
		role, err := p.Role(c.UserContext(), auth.UserID(c), s)
		if err != nil {
			return apperr.Fiber(err)
		}
		if role != RoleOwner {
			return apperr.Fiber(apperr.Forbidden("only an owner can manage participants"))
		}
		member, err := p.Add(c.UserContext(), body.UserID, s, body.Role)
		if err != nil {
			return apperr.Fiber(err)
		}
		return c.Status(fiber.StatusCreated).JSON(member)
	})
}
