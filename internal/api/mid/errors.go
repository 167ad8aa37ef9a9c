package mid

import (
	"context"
	"errors"
	"net/http"
	"path"

	"github.com/ahrav/agent-onboarding/internal/api/errs"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Errors handles errors coming out of the call chain. Every error leaves as
// an *errs.Error or errs.FieldErrors; details of unexpected errors are only
// logged.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err := isError(resp)
			if err == nil {
				return resp
			}

			if errs.IsFieldErrors(err) {
				log.Debug(ctx, "request failed validation", "err", err)
				return resp
			}

			var appErr *errs.Error
			if !errors.As(err, &appErr) {
				appErr = errs.Newf(errs.Internal, "Internal Server Error")
			}

			if appErr.HTTPStatus() >= http.StatusInternalServerError {
				log.Error(ctx, "handled error during request",
					"err", err,
					"source_err_file", path.Base(appErr.FileName),
					"source_err_func", path.Base(appErr.FuncName))
			} else {
				log.Debug(ctx, "request rejected", "code", appErr.Code.String(), "err", err)
			}

			if appErr.Code.Equal(errs.InternalOnlyLog) {
				appErr = errs.Newf(errs.Internal, "Internal Server Error")
			}

			return appErr
		}

		return h
	}

	return m
}
