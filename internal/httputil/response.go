package httputil

import (
	"github.com/gofiber/fiber/v2"
)

// Code is a machine-readable error code returned to API clients. The view layer maps core errors onto these; clients
// should branch on Code rather than on HTTP status or message text.
type Code string

// Error codes exposed by the API.
const (
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeActiveRental       Code = "ACTIVE_RENTAL"
	CodeInactiveRental     Code = "INACTIVE_RENTAL"
	CodeCurrentlyRented    Code = "CURRENTLY_RENTED"
	CodeReservationExists  Code = "RESERVATION_EXISTS"
	CodeInsufficientSupply Code = "INSUFFICIENT_SUPPLY"
	CodeOutsideWindow      Code = "OUTSIDE_WINDOW"
	CodeNoBikes            Code = "NO_BIKES"
	CodeWrongPickup        Code = "WRONG_PICKUP"
	CodeBikeUnreachable    Code = "BIKE_UNREACHABLE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c *fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c *fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
