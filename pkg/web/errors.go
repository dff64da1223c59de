package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/flowtree/pkg/services"
	"github.com/dukex/flowtree/pkg/snapshot"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

// PartialFailureProblem is the body returned when a multi-step operation
// stopped after some writes on a store without rollback.
type PartialFailureProblem struct {
	*problems.Problem

	Created []string `json:"created_ids"`
	Updated []string `json:"updated_ids"`
	Deleted []string `json:"deleted_ids"`
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	var partial *services.PartialFailureError

	switch {
	case errors.As(err, &partial):
		body := PartialFailureProblem{
			Problem: problems.NewStatusProblem(fiber.StatusInternalServerError).
				WithInstance(c.Path()).
				WithType("partial_failure").
				WithDetail(err.Error()),
			Created: emptyIfNil(partial.Created),
			Updated: emptyIfNil(partial.Updated),
			Deleted: emptyIfNil(partial.Deleted),
		}

		return c.Status(fiber.StatusInternalServerError).JSON(body)

	case errors.Is(err, services.ErrVersionMismatch):
		return problem(c, fiber.StatusBadRequest, "version_mismatch", err.Error())

	case errors.Is(err, snapshot.ErrInvalidSnapshot):
		return problem(c, fiber.StatusBadRequest, "invalid_snapshot", err.Error())

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsUnauthorized(err):
		return problem(c, fiber.StatusForbidden, "unauthorized", err.Error())

	case services.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, services.ErrTemplateCycle):
		return problem(c, fiber.StatusUnprocessableEntity, "template_cycle", err.Error())

	case services.IsStructuralError(err):
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_structural_operation", err.Error())

	case services.IsStoreUnavailable(err):
		c.Set(fiber.HeaderRetryAfter, "1")

		return problem(c, fiber.StatusServiceUnavailable, "store_unavailable", "storage is temporarily unavailable")

	default:
		p := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}

	return ids
}
