package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rudironsoni/synaxis/internal/stats"
)

// StatsResponse is returned by the /admin/v1/stats endpoint: windowed
// aggregates globally and broken down by model, provider and org.
type StatsResponse struct {
	Global     []stats.Aggregate            `json:"global"`
	ByModel    map[string][]stats.Aggregate `json:"by_model"`
	ByProvider map[string][]stats.Aggregate `json:"by_provider"`
	ByOrg      map[string][]stats.Aggregate `json:"by_org"`
}

// StatsHandler serves dashboard aggregates from the stats collector.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Global:     []stats.Aggregate{},
			ByModel:    map[string][]stats.Aggregate{},
			ByProvider: map[string][]stats.Aggregate{},
			ByOrg:      map[string][]stats.Aggregate{},
		}
		if d.Stats != nil {
			resp.Global = d.Stats.Global()
			resp.ByModel = d.Stats.Summary()
			resp.ByProvider = d.Stats.SummaryByProvider()
			resp.ByOrg = d.Stats.SummaryByOrg()
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
