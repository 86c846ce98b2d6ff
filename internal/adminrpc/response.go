package adminrpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Param  string `json:"param,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("adminrpc: failed to encode response", "error", err)
	}
}

// writeError maps a domain error onto an HTTP status and the documented
// reason/param fields, per the cluster-membership error semantics.
func writeError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *ClusterMembershipOperationFailed:
		writeJSON(w, http.StatusConflict, errorBody{Error: e.Error(), Reason: string(e.Reason)})
	case *NodesConfigurationManagerError:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Error(), Param: e.Param})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}
