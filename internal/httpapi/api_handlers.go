package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/voxbridge/voxbridge/internal/provider"
	"github.com/voxbridge/voxbridge/internal/store"
)

type providerInfo struct {
	Name             string           `json:"name"`
	DisplayName      string           `json:"displayName"`
	OutputSampleRate int              `json:"outputSampleRate"`
	Voices           []provider.Voice `json:"voices"`
}

// handleListProviders returns the registered backends with their voice
// catalogs. Voice listing may hit a provider API, so the whole request is
// bounded.
func (r *Router) handleListProviders(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()

	out := make([]providerInfo, 0)
	for _, p := range r.providers.All() {
		voices, err := p.Voices(ctx)
		if err != nil {
			r.logger.Printf("providers: %s voice listing failed: %v", p.Name(), err)
			voices = []provider.Voice{}
		}
		out = append(out, providerInfo{
			Name:             p.Name(),
			DisplayName:      p.DisplayName(),
			OutputSampleRate: p.OutputSampleRate(),
			Voices:           voices,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (r *Router) handleListCalls(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	calls, err := r.store.ListCalls(req.Context(), limit)
	if err != nil {
		captureError(req, err, "calls: list failed")
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (r *Router) handleGetCall(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	detail, err := r.store.GetCall(req.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, `{"error": "call not found"}`, http.StatusNotFound)
			return
		}
		captureError(req, err, "calls: get failed")
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}
