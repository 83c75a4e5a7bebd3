package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rudironsoni/synaxis/internal/store"
)

const showOnceWarning = "This is the only time the full key will be shown. Store it securely."

// audit records an admin action against a resource. Failures are logged,
// never surfaced to the caller.
func audit(d Dependencies, r *http.Request, action, resource string) {
	if d.Store == nil {
		return
	}
	warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		RequestID: middleware.GetReqID(r.Context()),
	}))
}

// keyID pulls the {id} route param, writing a 400 when absent.
func keyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, "key id required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// APIKeysCreateHandler handles POST /admin/v1/apikeys.
func APIKeysCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		Org              string  `json:"org"`
		Name             string  `json:"name"`
		Scopes           string  `json:"scopes"` // JSON array, e.g. '["chat"]'
		RotationDays     int     `json:"rotation_days"`
		ExpiresIn        *string `json:"expires_in"`         // duration string, e.g. "720h"
		MonthlyBudgetUSD float64 `json:"monthly_budget_usd"` // 0 = unlimited
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Org == "" {
			jsonError(w, "org required", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		if req.Scopes == "" {
			req.Scopes = `["chat"]`
		}

		var expiresAt *time.Time
		if req.ExpiresIn != nil && *req.ExpiresIn != "" {
			dur, err := time.ParseDuration(*req.ExpiresIn)
			if err != nil {
				jsonError(w, "invalid expires_in duration", http.StatusBadRequest)
				return
			}
			t := time.Now().UTC().Add(dur)
			expiresAt = &t
		}

		plaintext, rec, err := d.APIKeyMgr.Generate(r.Context(), req.Org, req.Name, req.Scopes, req.RotationDays, expiresAt, req.MonthlyBudgetUSD)
		if err != nil {
			jsonError(w, "failed to create key: "+err.Error(), http.StatusInternalServerError)
			return
		}

		audit(d, r, "apikey.create", rec.ID)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"key":     plaintext,
			"id":      rec.ID,
			"org":     rec.OrgID,
			"prefix":  rec.KeyPrefix,
			"name":    rec.Name,
			"scopes":  rec.Scopes,
			"warning": showOnceWarning,
		})
	}
}

// APIKeysListHandler handles GET /admin/v1/apikeys. Hashes are excluded by
// the record's json tags.
func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil || d.Store == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		keys, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}
}

// APIKeysRotateHandler handles POST /admin/v1/apikeys/{id}/rotate.
func APIKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		id, ok := keyID(w, r)
		if !ok {
			return
		}

		plaintext, err := d.APIKeyMgr.Rotate(r.Context(), id)
		if err != nil {
			jsonError(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		audit(d, r, "apikey.rotate", id)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"key":     plaintext,
			"warning": showOnceWarning,
		})
	}
}

// APIKeysPatchHandler handles PATCH /admin/v1/apikeys/{id} for updates to
// name, scopes, enabled, rotation_days, and monthly_budget_usd.
func APIKeysPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil || d.Store == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		id, ok := keyID(w, r)
		if !ok {
			return
		}

		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		rec, err := d.Store.GetAPIKey(r.Context(), id)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			jsonError(w, "api key not found", http.StatusNotFound)
			return
		}

		if msg := applyKeyPatch(rec, patch); msg != "" {
			jsonError(w, msg, http.StatusBadRequest)
			return
		}

		if err := d.Store.UpdateAPIKey(r.Context(), *rec); err != nil {
			jsonError(w, "update failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		audit(d, r, "apikey.update", id)

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// applyKeyPatch mutates rec from the decoded patch body, returning an error
// message for the first invalid field.
func applyKeyPatch(rec *store.APIKeyRecord, patch map[string]any) string {
	if v, ok := patch["name"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return "name must be a non-empty string"
		}
		rec.Name = s
	}
	if v, ok := patch["scopes"]; ok {
		s, ok := v.(string)
		if !ok {
			return "scopes must be a JSON array string"
		}
		var arr []string
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return "scopes must be a valid JSON array"
		}
		rec.Scopes = s
	}
	if v, ok := patch["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return "enabled must be a boolean"
		}
		rec.Enabled = b
	}
	if v, ok := patch["rotation_days"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return "rotation_days must be a non-negative number"
		}
		rec.RotationDays = int(f)
	}
	if v, ok := patch["monthly_budget_usd"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return "monthly_budget_usd must be a non-negative number"
		}
		rec.MonthlyBudgetUSD = f
	}
	return ""
}

// APIKeysDeleteHandler handles DELETE /admin/v1/apikeys/{id}.
func APIKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil || d.Store == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		id, ok := keyID(w, r)
		if !ok {
			return
		}

		if err := d.Store.DeleteAPIKey(r.Context(), id); err != nil {
			jsonError(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		audit(d, r, "apikey.revoke", id)

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}
