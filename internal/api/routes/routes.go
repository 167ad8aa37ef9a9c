// Package routes binds all the routes of the onboarding API.
package routes

import (
	"github.com/ahrav/agent-onboarding/internal/api/health"
	"github.com/ahrav/agent-onboarding/internal/api/mux"
	"github.com/ahrav/agent-onboarding/internal/api/projects"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build:  cfg.Build,
		Log:    cfg.Log,
		Checks: cfg.Readiness,
	})

	projects.Routes(app, projects.Config{
		Log:     cfg.Log,
		Service: cfg.Service,
	})
}
