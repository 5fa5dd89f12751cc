package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// envelope is the JSON shape every endpoint responds with:
// {success, code, data}.
type envelope struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    any  `json:"data"`
}

// message is the data payload for plain-text responses, e.g. DELETE's
// {"message":"OK"}.
type message struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Error("failed to encode response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, log *zap.Logger, data any) {
	writeJSON(w, log, http.StatusOK, envelope{Success: true, Code: 0, Data: data})
}

func writeError(w http.ResponseWriter, log *zap.Logger, status int, msg string) {
	writeJSON(w, log, status, envelope{Success: false, Code: status, Data: message{Message: msg}})
}
