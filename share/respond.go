package wrshare

import (
	"encoding/json"
	"net/http"
)

// responseEnvelope is the JSON body of every control endpoint reply
type responseEnvelope struct {
	Success bool        `json:"success"`
	Status  int         `json:"status"`
	Message *string     `json:"message"`
	Body    interface{} `json:"body"`
}

// respond writes a JSON envelope with the given HTTP status. An empty message is
// encoded as null.
func respond(w http.ResponseWriter, success bool, status int, message string, body interface{}) {
	env := responseEnvelope{
		Success: success,
		Status:  status,
		Body:    body,
	}
	if message != "" {
		env.Message = &message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&env)
}
