package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bengillihan/texttomp3/internal/middleware"
	"github.com/bengillihan/texttomp3/internal/model"
	"github.com/bengillihan/texttomp3/internal/service"
	"github.com/bengillihan/texttomp3/internal/store"
	"github.com/bengillihan/texttomp3/pkg/response"
)

type ConversionHandler struct {
	service   *service.ConversionService
	validator *validator.Validate
}

func NewConversionHandler(svc *service.ConversionService, v *validator.Validate) *ConversionHandler {
	return &ConversionHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/conversions
// @Summary      Submit text for conversion
// @Description  Accept text and queue an asynchronous text-to-speech conversion
// @Tags         Conversions
// @Accept       json
// @Produce      json
// @Param        request body model.ConversionCreateRequest true "Conversion request"
// @Success      202 {object} model.ConversionCreateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions [post]
func (h *ConversionHandler) Create(c *fiber.Ctx) error {
	var req model.ConversionCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	conversion, err := h.service.Submit(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, model.ConversionCreateResponse{
		ID:        conversion.UUID,
		Status:    conversion.Status,
		CreatedAt: conversion.CreatedAt,
	})
}

// List handles GET /api/conversions
// @Summary      List conversions
// @Description  List the caller's conversions, newest first
// @Tags         Conversions
// @Produce      json
// @Success      200 {array} model.Conversion
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions [get]
func (h *ConversionHandler) List(c *fiber.Ctx) error {
	conversions, err := h.service.List(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if conversions == nil {
		conversions = []model.Conversion{}
	}
	return response.OK(c, conversions)
}

// Progress handles GET /api/conversions/:id/progress
// @Summary      Get conversion progress
// @Description  Get the current status and progress of a conversion
// @Tags         Conversions
// @Produce      json
// @Param        id path string true "Conversion ID"
// @Success      200 {object} model.ConversionProgressResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions/{id}/progress [get]
func (h *ConversionHandler) Progress(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Conversion ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.OK(c, result)
}

// Download handles GET /api/conversions/:id/download
// @Summary      Download converted audio
// @Description  Download the MP3 artifact of a completed conversion
// @Tags         Conversions
// @Produce      audio/mpeg
// @Param        id path string true "Conversion ID"
// @Success      200 {file} binary
// @Success      202 {object} map[string]interface{} "artifact is being regenerated"
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions/{id}/download [get]
func (h *ConversionHandler) Download(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Conversion ID is required", nil)
	}

	path, filename, err := h.service.Download(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		// The artifact is being rebuilt; tell the caller to retry later.
		if errors.Is(err, service.ErrRegenerating) {
			return response.Accepted(c, fiber.Map{
				"id":      id,
				"status":  service.StatusRegenerating,
				"message": "Audio file is being regenerated, retry shortly",
			})
		}
		return h.serviceError(c, err)
	}

	c.Set(fiber.HeaderContentType, "audio/mpeg")
	return c.Download(path, filename)
}

// Cancel handles POST /api/conversions/:id/cancel
// @Summary      Cancel a conversion
// @Description  Request cancellation of a pending or processing conversion
// @Tags         Conversions
// @Produce      json
// @Param        id path string true "Conversion ID"
// @Success      200 {object} model.ConversionCancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions/{id}/cancel [post]
func (h *ConversionHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Conversion ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.OK(c, result)
}

// Reset handles POST /api/conversions/:id/reset
// @Summary      Reset a conversion
// @Description  Discard diagnostic state and the audio artifact, then requeue the conversion
// @Tags         Conversions
// @Produce      json
// @Param        id path string true "Conversion ID"
// @Success      202 {object} model.ConversionCreateResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/conversions/{id}/reset [post]
func (h *ConversionHandler) Reset(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Conversion ID is required", nil)
	}

	conversion, err := h.service.Reset(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.Accepted(c, model.ConversionCreateResponse{
		ID:        conversion.UUID,
		Status:    conversion.Status,
		CreatedAt: conversion.CreatedAt,
	})
}

// Cleanup handles POST /api/cleanup
// @Summary      Clean up old conversions
// @Description  Delete the caller's oldest completed conversions, keeping the most recent ones
// @Tags         Conversions
// @Produce      json
// @Success      200 {object} model.CleanupResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/cleanup [post]
func (h *ConversionHandler) Cleanup(c *fiber.Ctx) error {
	deleted, err := h.service.Cleanup(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, model.CleanupResponse{Deleted: deleted})
}

func (h *ConversionHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Conversion not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Conversion belongs to another user")
	case errors.Is(err, service.ErrNotCancellable):
		return response.Conflict(c, "Conversion already finished")
	case errors.Is(err, service.ErrNotReady):
		return response.Conflict(c, "Conversion is not completed yet")
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
