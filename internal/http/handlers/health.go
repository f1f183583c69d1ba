package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if info, ok := a.Dispatcher.Current(); ok {
		resp["batch_id"] = info.ID
	}
	a.json(w, http.StatusOK, resp)
}
