package commands

import (
	"encoding/json"
	"net/http"

	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/logger"
	"github.com/loomhub/loomhub/store"
)

// dispatchWireRequest mirrors federation.dispatchRequest: the minimal
// payload an external loomhub instance posts here when it has selected
// this hub as the federation target for a task.
type dispatchWireRequest struct {
	TaskID             string          `json:"task_id"`
	TaskType           string          `json:"task_type"`
	RequiredCapability string          `json:"required_capability"`
	Payload            json.RawMessage `json:"payload"`
}

type dispatchWireResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// newDispatchHandler builds the /dispatch endpoint the Federated Router's
// RemoteHub client posts to. A task arriving here is foreign to this hub's
// store, so it is first enqueued locally (adopting the origin's task id as
// its dedup key, so a retried POST doesn't duplicate it) and only then
// handed to Assign, which claims by matching the row it just created.
func newDispatchHandler(a *app, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req dispatchWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		id, _, err := a.queue.Enqueue(store.TaskType(req.TaskType), req.RequiredCapability, nil, 0, req.Payload, req.TaskID)
		if err != nil {
			logger.Errorw("federated dispatch: enqueue failed", "task_id", req.TaskID, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		task, err := a.queue.Get(id)
		if err != nil {
			logger.Errorw("federated dispatch: reload failed", "task_id", id, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		accepted, err := h.Assign(task)
		if err != nil {
			logger.Errorw("federated dispatch: assign failed", "task_id", id, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := dispatchWireResponse{Accepted: accepted}
		if !accepted {
			resp.Reason = "no capable idle worker, queued locally for later dispatch"
		}
		json.NewEncoder(w).Encode(resp)
	}
}
