package commands

import (
	"encoding/json"
	"net/http"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/logger"
)

// cancelWireRequest is the payload for POST /cancel: an operator- or
// service-initiated cancellation of a task this hub currently holds.
type cancelWireRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// newCancelHandler builds the /cancel endpoint, the one production caller
// of hub.Hub.Cancel: the task:cancel -> grace-timer -> worker-abort flow
// only fires against a running server through this path (the `tasks
// cancel` CLI has no hub connection and marks the row failed directly; see
// runTasksCancel).
func newCancelHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req cancelWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "cancelled via /cancel"
		}

		if err := h.Cancel(req.TaskID, req.Reason); err != nil {
			if errors.KindOf(err) == errors.KindNotFound {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			logger.Errorw("cancel failed", "task_id", req.TaskID, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
