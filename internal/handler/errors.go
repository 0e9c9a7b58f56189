package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/docsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/logger"
)

type errorResponse struct {
	Status    string `json:"status"`
	Code      int    `json:"code"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// classify maps a domain error onto a transport error class. Internal
// failures get a generic message so nothing about the disk layout leaks.
func classify(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var ve *document.ValidationError
	var pe *query.ParseError
	switch {
	case errors.As(err, &ve):
		return apperrors.Wrap(apperrors.ErrInvalidInput, err, ve.Error())
	case errors.Is(err, document.ErrInvalid):
		return apperrors.Wrap(apperrors.ErrInvalidInput, err, "invalid document")
	case errors.As(err, &pe):
		return apperrors.Wrap(apperrors.ErrInvalidInput, err, pe.Error())
	case errors.Is(err, schema.ErrConflict), errors.Is(err, schema.ErrInvalidName):
		return apperrors.Wrap(apperrors.ErrInvalidInput, err, innermost(err).Error())
	case errors.Is(err, engine.ErrNotFound):
		return apperrors.Wrap(apperrors.ErrNotFound, err, "document not found")
	case errors.Is(err, engine.ErrInvalidState):
		return apperrors.Wrap(apperrors.ErrUnavailable, err, "search engine is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrTimeout, err, "request timeout")
	default:
		return apperrors.Wrap(apperrors.ErrInternal, err, "internal error")
	}
}

// innermost strips *engine.Error so the client sees the domain message.
func innermost(err error) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Err
	}
	return err
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := classify(err)
	status := apperrors.HTTPStatusCode(appErr)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	} else {
		log.Info("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	h.writeJSON(w, status, errorResponse{
		Status:    "error",
		Code:      status,
		ErrorType: apperrors.ErrorType(appErr),
		Message:   appErr.Message,
	})
}
