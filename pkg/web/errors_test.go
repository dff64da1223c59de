package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/services"
	"github.com/dukex/flowtree/pkg/snapshot"
)

func TestHandleServiceError(t *testing.T) {
	storeErr := persistence.NewStoreError("write", io.ErrUnexpectedEOF)

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedType   string
	}{
		{"validation", services.NewValidationError("op", "invalid_name", "name is required", services.ErrInvalidRequest), http.StatusBadRequest, "validation_error"},
		{"missing caller", services.NewValidationError("op", "missing_user", "caller id is required", services.ErrEmptyUserID), http.StatusBadRequest, "validation_error"},
		{"version mismatch", snapshot.ErrVersionMismatch, http.StatusBadRequest, "version_mismatch"},
		{"invalid snapshot", snapshot.ErrInvalidSnapshot, http.StatusBadRequest, "invalid_snapshot"},
		{"unauthorized", &services.ServiceError{Op: "op", Kind: services.ErrUnauthorized}, http.StatusForbidden, "unauthorized"},
		{"not found", &services.ServiceError{Op: "op", Kind: services.ErrNotFound}, http.StatusNotFound, "not_found"},
		{"conflict", &services.ServiceError{Op: "op", Kind: services.ErrConflict}, http.StatusConflict, "conflict"},
		{"template cycle", &services.ServiceError{Op: "op", Kind: services.ErrTemplateCycle}, http.StatusUnprocessableEntity, "template_cycle"},
		{"structural", &services.ServiceError{Op: "op", Kind: services.ErrInvalidStructuralOperation}, http.StatusUnprocessableEntity, "invalid_structural_operation"},
		{"store unavailable", &services.ServiceError{Op: "op", Kind: services.ErrStoreUnavailable, Err: storeErr}, http.StatusServiceUnavailable, "store_unavailable"},
		{"lock timeout", lock.ErrNotAcquired, http.StatusServiceUnavailable, "store_unavailable"},
		{"partial failure", &services.PartialFailureError{Op: "op", Created: []string{"a"}, Err: storeErr}, http.StatusInternalServerError, "partial_failure"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c fiber.Ctx) error {
				return handleServiceError(c, tt.err)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)

			defer func() {
				if err := resp.Body.Close(); err != nil {
					t.Logf("Failed to close response body: %v", err)
				}
			}()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.expectedType, body["type"])
		})
	}
}

func TestHandleServiceError_PartialFailureListsIDs(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return handleServiceError(c, &services.PartialFailureError{
			Op:      "flows.delete",
			Deleted: []string{"child"},
			Err:     persistence.NewStoreError("delete", io.ErrUnexpectedEOF),
		})
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	var body PartialFailureProblem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Problem)
	assert.Equal(t, http.StatusInternalServerError, body.Status)
	assert.Equal(t, "partial_failure", body.Type)
	assert.Equal(t, []string{"child"}, body.Deleted)
	assert.Empty(t, body.Created)
	assert.NotNil(t, body.Created)
}

func TestHandleServiceError_RetryAfter(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return handleServiceError(c, lock.ErrNotAcquired)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}
