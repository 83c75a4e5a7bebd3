package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.synaxis/env (written at first server start) and sets
// any key=value pairs not already present in the process environment. This
// lets synaxisctl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.synaxis/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("synaxisctl %s\n", version)
	case "admin-token":
		doAdminToken()
	case "status":
		doStatus()
	case "health":
		doHealth(args)
	case "quota":
		doQuota()
	case "vault":
		doVault(args)
	case "registry":
		doRegistry(args)
	case "apikey", "apikeys":
		doAPIKeys(args)
	case "logs":
		doLogs(args)
	case "audit":
		doAudit(args)
	case "stats":
		doStats()
	case "events":
		doEvents()
	case "workflow":
		doWorkflow(args)
	case "tsdb":
		doTSDB(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `synaxisctl - CLI for the Synaxis admin API

Usage: synaxisctl <command> [arguments]

Environment:
  SYNAXIS_URL          Base URL (default: http://localhost:8080)
  SYNAXIS_ADMIN_TOKEN  Bearer token for admin endpoints

  ~/.synaxis/env       Auto-sourced on startup; written on first server
                       start. Explicit environment variables take precedence.

Commands:
  admin-token                    Print the admin token (env, file, or Docker)
  status                         Show server health and registry counts
  health [--reset org provider]  Show per-org provider health; optionally reset one pair
  quota                          Show current-window quota usage

  vault unlock <master>          Unlock the credential vault
  vault lock                     Lock the credential vault
  vault set <name> <value>       Store an encrypted provider credential
  vault delete <name>            Remove a provider credential

  registry models                List canonical models
  registry providers             List configured providers
  registry reload                Reload the provider registry file

  apikey list                    List API keys
  apikey create <json>           Create a new API key
  apikey rotate <id>             Rotate an API key
  apikey edit <id> <json>        Patch an API key
  apikey delete <id>             Revoke an API key

  logs [--limit N]               Show request logs
  audit [--limit N]              Show audit logs
  stats                          Show aggregated stats
  events                         Stream real-time SSE events
  workflow <id>                  Show the result of an async completion

  tsdb query <metric> [args]     Query the embedded TSDB
  tsdb metrics                   List TSDB metrics
  tsdb prune                     Prune old TSDB data
  tsdb retention <days>          Set the TSDB retention period

  version                        Show version
  help                           Show this help

Examples:
  synaxisctl status
  synaxisctl vault unlock "my-master-secret"
  synaxisctl apikey create '{"org":"acme","name":"ci","monthly_budget_usd":50}'
  synaxisctl health --reset acme openrouter
  synaxisctl tsdb query latency_ms --org acme
  synaxisctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("SYNAXIS_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("SYNAXIS_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPatch(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PATCH", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: synaxisctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doAdminToken() {
	// 1. Environment variable.
	if tok := os.Getenv("SYNAXIS_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}

	// 2. Local token file (native deployment).
	home, _ := os.UserHomeDir()
	if home != "" {
		if data, err := os.ReadFile(home + "/.synaxis/.admin-token"); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}

	// 3. Docker container token file.
	for _, name := range []string{"synaxis-synaxis-1", "synaxis"} {
		out, err := exec.Command("docker", "exec", name, "cat", "/data/.admin-token").Output()
		if err == nil {
			if tok := strings.TrimSpace(string(out)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}

	fmt.Fprintln(os.Stderr, "admin token not found; set SYNAXIS_ADMIN_TOKEN or ensure the service is running")
	os.Exit(1)
}

func doStatus() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	var h map[string]any
	_ = json.Unmarshal(data, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	providers := 0
	if n, ok := h["providers"].(float64); ok {
		providers = int(n)
	}
	models := 0
	if n, ok := h["models"].(float64); ok {
		models = int(n)
	}

	fmt.Printf("Server:    %s\n", baseURL())
	fmt.Printf("Status:    %s\n", status)
	fmt.Printf("Providers: %d\n", providers)
	fmt.Printf("Models:    %d\n", models)
}

func doHealth(args []string) {
	if len(args) > 0 && args[0] == "--reset" {
		requireArgs(args, 3, "health --reset <org> <provider_key>")
		body := fmt.Sprintf(`{"org":%q,"provider_key":%q}`, args[1], args[2])
		result := doPost("/admin/v1/health/reset", body)
		if ok, _ := result["ok"].(bool); ok {
			fmt.Printf("Reset health state for %s/%s\n", args[1], args[2])
			return
		}
		fmt.Fprintln(os.Stderr, "reset failed:", prettyJSON(result))
		os.Exit(1)
	}

	data := doGet("/admin/v1/health")
	states, _ := data["states"].([]any)
	if len(states) == 0 {
		fmt.Println("No provider health data yet.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ORG\tPROVIDER\tHEALTHY\tSCORE\tCONSEC_FAIL\tCOOLDOWN_UNTIL\tLAST_REASON")
	for _, raw := range states {
		s, _ := raw.(map[string]any)
		cooldown := "-"
		if cu, ok := s["cooldown_until"].(string); ok && cu != "" {
			if t, err := time.Parse(time.RFC3339, cu); err == nil && t.After(time.Now()) {
				cooldown = t.Format(time.RFC3339)
			}
		}
		reason, _ := s["last_reason"].(string)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%.2f\t%v\t%s\t%s\n",
			s["org"], s["provider_key"], s["healthy"],
			num(s["score"]), num(s["consecutive_failures"]), cooldown, reason)
	}
	_ = tw.Flush()
}

func doQuota() {
	data := doGet("/admin/v1/quota")
	usage, _ := data["usage"].([]any)
	if len(usage) == 0 {
		fmt.Println("No quota usage in the current window.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ORG\tPROVIDER\tREQUESTS\tTOKENS\tRPM_LIMIT\tTPM_LIMIT")
	for _, raw := range usage {
		u, _ := raw.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n",
			u["org"], u["provider_key"],
			num(u["requests"]), num(u["tokens"]),
			num(u["rpm_limit"]), num(u["tpm_limit"]))
	}
	_ = tw.Flush()
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock|set|delete> ...")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <master>")
		body := fmt.Sprintf(`{"master":%q}`, args[1])
		result := doPost("/admin/v1/vault/unlock", body)
		fmt.Println(prettyJSON(result))
	case "lock":
		result := doPost("/admin/v1/vault/lock", "{}")
		fmt.Println(prettyJSON(result))
	case "set":
		requireArgs(args, 3, "vault set <name> <value>")
		body := fmt.Sprintf(`{"name":%q,"value":%q}`, args[1], args[2])
		result := doPut("/admin/v1/vault/credentials", body)
		fmt.Println(prettyJSON(result))
	case "delete":
		requireArgs(args, 2, "vault delete <name>")
		result := doDelete("/admin/v1/vault/credentials/" + args[1])
		fmt.Println(prettyJSON(result))
	default:
		requireArgs(nil, 1, "vault <unlock|lock|set|delete> ...")
	}
}

func doRegistry(args []string) {
	requireArgs(args, 1, "registry <models|providers|reload>")
	switch args[0] {
	case "models":
		data := doGet("/admin/v1/registry/models")
		fmt.Println(prettyJSON(data))
	case "providers":
		data := doGet("/admin/v1/registry/providers")
		fmt.Println(prettyJSON(data))
	case "reload":
		result := doPost("/admin/v1/registry/reload", "{}")
		fmt.Println(prettyJSON(result))
	default:
		requireArgs(nil, 1, "registry <models|providers|reload>")
	}
}

func doAPIKeys(args []string) {
	requireArgs(args, 1, "apikey <list|create|rotate|edit|delete> ...")
	switch args[0] {
	case "list":
		data := doGet("/admin/v1/apikeys")
		keys, _ := data["keys"].([]any)
		if len(keys) == 0 {
			fmt.Println("No API keys.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tORG\tNAME\tENABLED\tSCOPES\tBUDGET_USD")
		for _, raw := range keys {
			k, _ := raw.(map[string]any)
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n",
				k["id"], k["org"], k["name"], k["enabled"], k["scopes"], k["monthly_budget_usd"])
		}
		_ = tw.Flush()
	case "create":
		requireArgs(args, 2, "apikey create <json>")
		result := doPost("/admin/v1/apikeys", args[1])
		fmt.Println(prettyJSON(result))
	case "rotate":
		requireArgs(args, 2, "apikey rotate <id>")
		result := doPost("/admin/v1/apikeys/"+args[1]+"/rotate", "{}")
		fmt.Println(prettyJSON(result))
	case "edit":
		requireArgs(args, 3, "apikey edit <id> <json>")
		result := doPatch("/admin/v1/apikeys/"+args[1], args[2])
		fmt.Println(prettyJSON(result))
	case "delete":
		requireArgs(args, 2, "apikey delete <id>")
		result := doDelete("/admin/v1/apikeys/" + args[1])
		fmt.Println(prettyJSON(result))
	default:
		requireArgs(nil, 1, "apikey <list|create|rotate|edit|delete> ...")
	}
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit))
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tORG\tMODEL\tPROVIDER\tSTATUS\tATTEMPTS\tLATENCY_MS\tCOST_USD")
	for _, raw := range logs {
		l, _ := raw.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%.6f\n",
			l["timestamp"], l["org"], l["model"], l["provider_key"],
			num(l["status_code"]), num(l["attempts"]), num(l["latency_ms"]), num(l["cost_usd"]))
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/audit?limit=%d", limit))
	entries, _ := data["audit"].([]any)
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tREQUEST_ID")
	for _, raw := range entries {
		e, _ := raw.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n",
			e["timestamp"], e["action"], e["resource"], e["request_id"])
	}
	_ = tw.Flush()
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	fmt.Println("Streaming events (Ctrl-C to stop)...")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			fmt.Println(line)
		}
	}
}

func doWorkflow(args []string) {
	requireArgs(args, 1, "workflow <id>")
	data := doGet("/admin/v1/workflows/" + args[0])
	fmt.Println(prettyJSON(data))
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune|retention> ...")
	switch args[0] {
	case "query":
		requireArgs(args, 2, "tsdb query <metric> [--org ORG] [--provider KEY] [--model ID]")
		q := "metric=" + args[1]
		rest := args[2:]
		for i := 0; i < len(rest)-1; i++ {
			switch rest[i] {
			case "--org":
				q += "&org=" + rest[i+1]
			case "--provider":
				q += "&provider_key=" + rest[i+1]
			case "--model":
				q += "&model=" + rest[i+1]
			}
		}
		data := doGet("/admin/v1/tsdb/query?" + q)
		fmt.Println(prettyJSON(data))
	case "metrics":
		data := doGet("/admin/v1/tsdb/metrics")
		fmt.Println(prettyJSON(data))
	case "prune":
		result := doPost("/admin/v1/tsdb/prune", "{}")
		fmt.Println(prettyJSON(result))
	case "retention":
		requireArgs(args, 2, "tsdb retention <days>")
		days, err := strconv.Atoi(args[1])
		fatal(err)
		result := doPut("/admin/v1/tsdb/retention", fmt.Sprintf(`{"days":%d}`, days))
		fmt.Println(prettyJSON(result))
	default:
		requireArgs(nil, 1, "tsdb <query|metrics|prune|retention> ...")
	}
}

// num renders a JSON number without the float64 noise.
func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
