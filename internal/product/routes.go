package product

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts /products. Reads are public; writes go through guard.
func Routes(r chi.Router, h *Handler, guard ...func(http.Handler) http.Handler) {
	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.ListProducts)
		r.Get("/categories", h.ListCategories)
		r.Get("/low-stock", h.LowStock)
		r.Get("/{id}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(guard...)
			r.Post("/", h.CreateProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
		})
	})
}
