package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "evalflow dispatch API",
		Version:     "v1",
		Description: "Work queue shared by the worker processes of one run",
		Endpoints: []endpointInfo{
			{"/api/v1/units", []string{"GET"}, "Finished and unfinished units with their allocations"},
			{"/api/v1/units/checkout", []string{"POST"}, "Pop the next queued unit (204 when the queue is empty)"},
			{"/api/v1/units/{id}/allocate", []string{"POST"}, "Record the worker that picked up a unit"},
			{"/api/v1/units/{id}/finish", []string{"POST"}, "Mark a unit finished"},
			{"/api/v1/units/{id}/retry", []string{"POST"}, "Requeue a failed unit while its retry budget lasts"},
			{"/api/v1/health", []string{"GET"}, "Server health"},
		},
	})
}
