package handler

import "github.com/gofiber/fiber/v2"

// apiResponse is the canonical envelope every endpoint returns.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *fiber.Ctx, status int, data any, message string) error {
	return c.Status(status).JSON(apiResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
