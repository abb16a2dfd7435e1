package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func newAuthApp() (*fiber.App, *Service, *Tickets) {
	svc := NewService("secret")
	tickets := NewTickets(time.Minute)
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), svc, tickets, "secret")
	return app, svc, tickets
}

func TestAuthIssueTicket(t *testing.T) {
	app, svc, tickets := newAuthApp()

	req := httptest.NewRequest(http.MethodPost, "/auth/tickets", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without bearer")
	}

	token, _ := svc.IssueAccessToken("user-1")
	req = httptest.NewRequest(http.MethodPost, "/auth/tickets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status: %v", err)
	}
	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ticket == "" || body.ExpiresIn != 60 {
		t.Fatalf("unexpected body %+v", body)
	}
	if userID, err := tickets.Redeem(body.Ticket); err != nil || userID != "user-1" {
		t.Fatalf("ticket should redeem for user-1: %q %v", userID, err)
	}
}

func TestAuthVerify(t *testing.T) {
	app, svc, _ := newAuthApp()
	token, _ := svc.IssueAccessToken("user-1")

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %v", err)
	}
}

func TestAuthVerifyMissingBearer(t *testing.T) {
	app, _, _ := newAuthApp()

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestAuthVerifyInvalidToken(t *testing.T) {
	app, _, _ := newAuthApp()

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer bad")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}
