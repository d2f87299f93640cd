// Package restapi implements the maintenance engine's local action-registry
// REST surface (spec section 6): a read-only GET plus two administrative
// recovery endpoints, registered on the process's stdlib net/http mux the
// same way the teacher's cmd/warren/main.go wires /metrics, /health, /ready
// and /live directly via http.Handle.
package restapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/log"
)

var (
	errMissingName   = errors.New(`body must include a non-empty "name"`)
	errBadPriority   = errors.New(`"priority" must be an integer`)
	errBadProperties = errors.New(`"properties" must be an object`)
)

// Factory resolves the action.Impl for a freshly parsed Description, the
// same function shape pkg/action/actions.NewFactory returns and pkg/driver
// and pkg/worker already consume.
type Factory func(desc action.Description) (action.Impl, error)

// Handler serves the /admin/actions surface for one Feature.
type Handler struct {
	log     zerolog.Logger
	feat    *feature.Feature
	factory Factory
}

// NewHandler builds a Handler bound to feat, resolving PUT bodies to
// action.Impl values through factory.
func NewHandler(feat *feature.Feature, factory Factory) *Handler {
	return &Handler{
		log:     log.WithComponent("restapi"),
		feat:    feat,
		factory: factory,
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/actions", h.handleCollection)
	mux.HandleFunc("/admin/actions/", h.handleItem)
}

// registryView is the GET /admin/actions response body.
type registryView struct {
	Registry []map[string]any `json:"registry"`
	State    map[string]any   `json:"state,omitempty"`
}

func (h *Handler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPut:
		h.create(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// list serves GET /admin/actions[?details=true]. Without details, each
// registry entry is just name/id/state; with details, the full
// action.Description.ToStructured() document is included.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	details := r.URL.Query().Get("details") == "true"

	snapshot := h.feat.Snapshot()
	out := registryView{Registry: make([]map[string]any, 0, len(snapshot))}
	for _, a := range snapshot {
		entry := map[string]any{
			"id":    strconv.FormatUint(a.ID(), 10),
			"name":  string(a.Description().Name()),
			"state": a.GetState().String(),
		}
		if details {
			entry["description"] = a.Description().ToStructured()
			entry["progress"] = a.Progress()
			if result := a.Result(); !result.OK() {
				entry["error"] = result.Error()
			}
		}
		out.Registry = append(out.Registry, entry)
	}
	if details {
		out.State = map[string]any{
			"shardLocks": h.feat.GetShardLocks(),
			"dirty":      h.feat.DirtyDatabases(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// createRequest is the PUT /admin/actions body.
type createRequest struct {
	Name               string            `json:"name"`
	Priority           *int              `json:"priority,omitempty"`
	Properties         action.Properties `json:"properties,omitempty"`
	RunEvenIfDuplicate bool              `json:"runEvenIfDuplicate,omitempty"`
}

// create serves PUT /admin/actions: parses a flat {name, <param>:<value>,
// ..., priority?, properties?} body into an action.Description, resolves
// its Impl via factory, and registers it (spec section 6). Duplicates and
// parse failures both return 400, matching the spec's exit-code table.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if h.feat.IsShuttingDown() {
		writeError(w, http.StatusBadRequest, "maintenance feature is shutting down")
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req, params, err := parseCreateRequest(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params[action.KeyName] = req.Name

	priority := action.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	desc := action.NewDescription(params, req.Properties, priority, req.RunEvenIfDuplicate)

	if existing, ok := h.feat.FindByHash(desc.Hash()); ok && !desc.IsRunEvenIfDuplicate() {
		writeError(w, http.StatusBadRequest, "duplicate action already registered: "+strconv.FormatUint(existing.ID(), 10))
		return
	}

	impl, err := h.factory(desc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unrecognized action: "+err.Error())
		return
	}

	a := h.feat.AddAction(desc, impl, false)
	h.log.Info().Str("kind", req.Name).Uint64("id", a.ID()).Msg("admin registered action")
	writeJSON(w, http.StatusOK, map[string]any{"id": strconv.FormatUint(a.ID(), 10)})
}

func parseCreateRequest(raw map[string]json.RawMessage) (createRequest, map[string]string, error) {
	var req createRequest
	params := make(map[string]string, len(raw))

	nameRaw, ok := raw["name"]
	if !ok {
		return req, nil, errMissingName
	}
	if err := json.Unmarshal(nameRaw, &req.Name); err != nil || req.Name == "" {
		return req, nil, errMissingName
	}

	for k, v := range raw {
		switch k {
		case "name":
			continue
		case "priority":
			var p int
			if err := json.Unmarshal(v, &p); err != nil {
				return req, nil, errBadPriority
			}
			req.Priority = &p
		case "properties":
			if err := json.Unmarshal(v, &req.Properties); err != nil {
				return req, nil, errBadProperties
			}
		case "runEvenIfDuplicate":
			_ = json.Unmarshal(v, &req.RunEvenIfDuplicate)
		default:
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				params[k] = s
				continue
			}
			// Non-string parameter values (numbers, bools) are rendered
			// back to their JSON text so every action param stays a string.
			params[k] = strings.Trim(string(v), `"`)
		}
	}
	return req, params, nil
}

// handleItem serves DELETE /admin/actions/<id>.
func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/admin/actions/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	var target *action.Action
	for _, a := range h.feat.Snapshot() {
		if a.ID() == id {
			target = a
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusBadRequest, "no such action")
		return
	}
	if target.Done() {
		writeError(w, http.StatusBadRequest, "action already complete")
		return
	}

	target.SetState(action.StateFailed)
	target.SetResult(action.Fail(action.ErrNotFoundAction, "forced to FAILED via admin REST surface"))
	target.EndStats()
	h.feat.ResolveIfPreAction(target)
	writeJSON(w, http.StatusOK, map[string]any{"id": idStr, "state": target.GetState().String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
