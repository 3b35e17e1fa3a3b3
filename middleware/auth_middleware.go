package middleware

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/golang-jwt/jwt/v4"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
)

const userKey = "user"

func Protected(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		ContextKey:    userKey,
		ErrorHandler:  jwtError,
	})
}

func jwtError(c *fiber.Ctx, err error) error {
	if err.Error() == "Missing or malformed JWT" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "Missing or malformed JWT", "data": nil})
	}
	return c.Status(fiber.StatusUnauthorized).
		JSON(fiber.Map{"status": "error", "message": "Invalid or expired JWT", "data": nil})
}

// Viewer reads the caller from the token Protected stored on the context.
func Viewer(c *fiber.Ctx) (services.Viewer, bool) {
	token, ok := c.Locals(userKey).(*jwt.Token)
	if !ok || token == nil {
		return services.Viewer{}, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return services.Viewer{}, false
	}
	return viewerFromClaims(claims)
}

func viewerFromClaims(claims jwt.MapClaims) (services.Viewer, bool) {
	userID, _ := claims["user_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" {
		return services.Viewer{}, false
	}
	return services.Viewer{UserID: userID, Role: role}, true
}

func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		viewer, ok := Viewer(c)
		if !ok || !viewer.IsAdmin() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Admin access required",
			})
		}
		return c.Next()
	}
}

var ErrInvalidToken = errors.New("invalid or expired token")

// ParseToken verifies a raw JWT outside the HTTP middleware chain, for the
// websocket auth frame.
func ParseToken(secret, raw string) (services.Viewer, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return services.Viewer{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return services.Viewer{}, ErrInvalidToken
	}
	viewer, ok := viewerFromClaims(claims)
	if !ok {
		return services.Viewer{}, ErrInvalidToken
	}
	return viewer, nil
}
