package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// sseHeartbeat keeps idle streams open through proxies.
var sseHeartbeat = 25 * time.Second

func (r *Router) handleListNotifications(w http.ResponseWriter, req *http.Request) {
	q := newQuery(req)
	limit, offset := q.page()
	filter := &domain.NotificationFilter{UnreadOnly: q.flag("unread"), Limit: limit, Offset: offset}
	if !q.ok(w) {
		return
	}
	items, total, err := r.services.Notification.List(req.Context(), actor(req).ID, filter)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items, total, limit, offset))
}

func (r *Router) handleMarkRead(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	if err := r.services.Notification.MarkRead(req.Context(), actor(req).ID, id); err != nil {
		writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleMarkAllRead(w http.ResponseWriter, req *http.Request) {
	n, err := r.services.Notification.MarkAllRead(req.Context(), actor(req).ID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// handleNotificationStream pushes new notifications as server-sent events
// until the client disconnects.
func (r *Router) handleNotificationStream(w http.ResponseWriter, req *http.Request) {
	rc := http.NewResponseController(w)
	ctx := req.Context()
	userID := actor(req).ID

	msgs, cancel, err := r.services.Notification.Stream(ctx, userID)
	if err != nil {
		writeServiceError(w, req, err)
		return
	}
	defer cancel()

	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		utils.Warn("notification stream cannot flush", "error", err.Error())
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	utils.Debug("notification stream opened", "user_id", userID.String())
	for {
		select {
		case <-ctx.Done():
			utils.Debug("notification stream closed", "user_id", userID.String())
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, msg.Data)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
