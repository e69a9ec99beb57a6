package auth

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the /auth and /users endpoints on r.
func Routes(r chi.Router, h *Handler, tokens *TokenIssuer) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(Middleware(tokens))
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
			r.Put("/me", h.UpdateMe)
			r.Put("/change-password", h.ChangePassword)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(Middleware(tokens))
		r.Use(RequireRole(RoleAdmin))
		r.Get("/", h.ListUsers)
		r.Post("/", h.CreateUser)
		r.Delete("/{id}", h.DeleteUser)
	})
}
