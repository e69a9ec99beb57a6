package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"secure-store/internal/app"
)

// buildRuntime runs once per warm instance. A failed build is cached too;
// the platform recycles the instance on the next deploy or cold start.
var buildRuntime = sync.OnceValues(func() (*app.Runtime, error) {
	rt, err := app.Build(app.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
	}
	return rt, err
})

// Handler is the serverless entrypoint.
func Handler(w http.ResponseWriter, r *http.Request) {
	rt, err := buildRuntime()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	rt.Handler.ServeHTTP(w, r)
}
