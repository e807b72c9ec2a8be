package routes

import (
	"net/http"

	"hpc-bridge/api/rest/handlers"
	"hpc-bridge/core/monitoring"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, controller *monitoring.Controller, catalog monitoring.CatalogReader) {
	jobHandler := handlers.NewJobHandler(controller)
	dashboardHandler := handlers.NewDashboardHandler(controller, catalog, monitoring.NewMetricsExporter(controller, catalog))

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.RemoveJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/wait", jobHandler.WaitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/logs", jobHandler.GetJobLogs).Methods("GET")
	api.HandleFunc("/jobs/{id}/stop", jobHandler.StopJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")
	api.HandleFunc("/refresh", jobHandler.RefreshJobs).Methods("POST")
	api.HandleFunc("/prune", jobHandler.PruneJobs).Methods("POST")

	// Cluster endpoints
	api.HandleFunc("/resources", dashboardHandler.GetResources).Methods("GET")
	api.HandleFunc("/dashboard", dashboardHandler.GetSummary).Methods("GET")
	r.HandleFunc("/metrics", dashboardHandler.GetMetrics).Methods("GET")

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
