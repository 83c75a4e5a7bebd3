package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// HealthListHandler serves GET /admin/v1/health with every tracked
// (org, provider) health state.
func HealthListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"states": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"states": d.Health.AllStates()})
	}
}

// HealthResetHandler serves POST /admin/v1/health/reset. It clears the
// cooldown and failure count for one (org, provider) pair so traffic can
// reach it again immediately.
func HealthResetHandler(d Dependencies) http.HandlerFunc {
	type resetReq struct {
		Org         string `json:"org"`
		ProviderKey string `json:"provider_key"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			jsonError(w, "health tracking not configured", http.StatusServiceUnavailable)
			return
		}
		var req resetReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Org == "" || req.ProviderKey == "" {
			jsonError(w, "org and provider_key required", http.StatusBadRequest)
			return
		}

		d.Health.Reset(req.Org, req.ProviderKey)

		audit(d, r, "health.reset", req.Org+"/"+req.ProviderKey)

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// QuotaSnapshotHandler serves GET /admin/v1/quota with current window usage
// for every (org, provider) pair that has seen traffic.
func QuotaSnapshotHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Quota == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"usage": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"usage": d.Quota.Snapshot()})
	}
}

// RegistryModelsHandler serves GET /admin/v1/registry/models.
func RegistryModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": d.Registry.Models()})
	}
}

// RegistryProvidersHandler serves GET /admin/v1/registry/providers.
func RegistryProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"providers": d.Registry.Providers()})
	}
}

// RegistryReloadHandler serves POST /admin/v1/registry/reload. SIGHUP and
// the fsnotify watcher trigger the same reload path.
func RegistryReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Reload == nil {
			jsonError(w, "reload not configured", http.StatusServiceUnavailable)
			return
		}
		if err := d.Reload(); err != nil {
			jsonError(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		audit(d, r, "registry.reload", "")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"models":    len(d.Registry.Models()),
			"providers": len(d.Registry.Providers()),
		})
	}
}

// VaultUnlockHandler serves POST /admin/v1/vault/unlock. The master secret
// never touches the store; only the derived key lives in memory.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	type unlockReq struct {
		Master string `json:"master"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		var req unlockReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Master == "" {
			jsonError(w, "master required", http.StatusBadRequest)
			return
		}

		// The persisted salt must be in place before Unlock so the derived
		// key matches the stored ciphertexts.
		var persisted map[string]string
		if d.Store != nil {
			if salt, data, err := d.Store.LoadVaultBlob(r.Context()); err == nil && len(salt) > 0 {
				d.Vault.SetSalt(salt)
				persisted = data
			}
		}

		if err := d.Vault.Unlock([]byte(req.Master)); err != nil {
			jsonError(w, "unlock failed: "+err.Error(), http.StatusForbidden)
			return
		}
		if persisted != nil {
			warnOnErr("vault_import", d.Vault.Import(persisted))
		}

		audit(d, r, "vault.unlock", "")

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "locked": false})
	}
}

// VaultLockHandler serves POST /admin/v1/vault/lock.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		d.Vault.Lock()

		audit(d, r, "vault.lock", "")

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "locked": true})
	}
}

// VaultSetCredentialHandler serves PUT /admin/v1/vault/credentials.
// The value is encrypted under the vault key and the blob is persisted so
// credentials survive a restart.
func VaultSetCredentialHandler(d Dependencies) http.HandlerFunc {
	type credReq struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		var req credReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.Value == "" {
			jsonError(w, "name and value required", http.StatusBadRequest)
			return
		}

		if err := d.Vault.Set(req.Name, req.Value); err != nil {
			jsonError(w, "set failed: "+err.Error(), http.StatusConflict)
			return
		}
		if d.Store != nil {
			warnOnErr("vault_persist", d.Store.SaveVaultBlob(r.Context(), d.Vault.Salt(), d.Vault.Export()))
		}
		audit(d, r, "vault.credential.set", req.Name)

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "name": req.Name})
	}
}

// VaultDeleteCredentialHandler serves DELETE /admin/v1/vault/credentials/{name}.
func VaultDeleteCredentialHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		name := chi.URLParam(r, "name")
		if name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}

		d.Vault.Delete(name)
		if d.Store != nil {
			warnOnErr("vault_persist", d.Store.SaveVaultBlob(r.Context(), d.Vault.Salt(), d.Vault.Export()))
		}
		audit(d, r, "vault.credential.delete", name)

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// RequestLogsHandler serves GET /admin/v1/logs?limit=N&offset=N.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		limit, offset := parsePagination(r)
		logs, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": logs})
	}
}

// AuditLogsHandler serves GET /admin/v1/audit?limit=N&offset=N.
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		limit, offset := parsePagination(r)
		entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"audit": entries})
	}
}

// parsePagination extracts limit and offset from query parameters.
// Defaults: limit=100, offset=0. Max limit=1000.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
