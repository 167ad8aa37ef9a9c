// Package mid provides app level middleware support.
package mid

import (
	"net/http"

	"github.com/ahrav/agent-onboarding/pkg/web"
)

// isError tests if the Encoder has an error inside of it.
func isError(e web.Encoder) error {
	err, isError := e.(error)
	if isError {
		return err
	}
	return nil
}

type httpStatus interface {
	HTTPStatus() int
}

// statusOf mirrors the status code web.Respond will write for resp.
func statusOf(resp web.Encoder) int {
	switch v := resp.(type) {
	case httpStatus:
		return v.HTTPStatus()
	case error:
		return http.StatusInternalServerError
	case nil:
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}
