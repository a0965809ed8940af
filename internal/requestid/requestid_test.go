package requestid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id) // generates new UUID
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		assert.Equal(t, Get(c), FromContext(c.UserContext()))
		return c.SendString(Get(c))
	})

	t.Run("generates", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		id := resp.Header.Get(Header)
		assert.NotEmpty(t, id)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, id, string(body))
	})

	t.Run("propagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(Header, "req-42")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, "req-42", resp.Header.Get(Header))
	})
}
