package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/openvelo/openvelo-server/internal/user"
)

// --- response parsing helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("status = %d, want %d", resp.StatusCode, want)
	}
}

func wantErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	env := parseError(t, body)
	if env.Error.Code != want {
		t.Errorf("error code = %q, want %q", env.Error.Code, want)
	}
}

// testUser returns the account the fakeAuth middleware installs.
func testUser() *user.User {
	return &user.User{
		ID:          7,
		Subject:     "rider|7",
		DisplayName: "Test Rider",
		Email:       "rider@example.com",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// fakeAuth installs u as the authenticated account, bypassing token validation.
func fakeAuth(u *user.User) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user", u)
		return c.Next()
	}
}
