package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/techulus/cloud-control/auth"
)

// NewRouter assembles the full HTTP surface. Everything under
// /api/v1/agent except register requires a valid request signature;
// everything under /api/v1/operator requires an operator bearer token.
func NewRouter(
	agent *AgentHandler,
	operator *OperatorHandler,
	verifier *auth.Verifier,
	operatorAuth *auth.OperatorAuth,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/agent", func(r chi.Router) {
		r.Post("/register", agent.Register)

		r.Group(func(r chi.Router) {
			r.Use(requireSignature(verifier))

			r.Post("/status", agent.Status)
			r.Get("/work-queue", agent.GetWork)
			r.Post("/work-queue", agent.ReportWork)
			r.Get("/builds/{id}", agent.GetBuild)
			r.Post("/builds/{id}/claim", agent.ClaimBuild)
			r.Get("/builds/{id}/status", agent.GetBuildStatus)
			r.Post("/builds/{id}/status", agent.ReportBuildStatus)
			r.Get("/expected-state", agent.ExpectedState)
		})
	})

	r.Route("/api/v1/operator", func(r chi.Router) {
		r.Use(operatorAuth.Middleware)

		r.Post("/tokens", operator.MintToken)
		r.Get("/servers", operator.ListServers)
		r.Post("/builds", operator.TriggerBuild)
		r.Post("/builds/{id}/cancel", operator.CancelBuild)
		r.Post("/rollouts", operator.StartRollout)
		r.Post("/rollouts/{id}/cancel", operator.CancelRollout)
		r.Post("/migrations", operator.StartMigration)
		r.Post("/migrations/{id}/cancel", operator.CancelMigration)
	})

	return r
}
