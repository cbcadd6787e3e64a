package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Response is the envelope for every JSON body the service writes. Exceeded
// and suspended rejections carry their details in Data next to Error.
type Response struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListResponse wraps admin listings.
type ListResponse struct {
	Data       any `json:"data"`
	TotalCount int `json:"total_count"`
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("response write failed", "status", status, "error", err)
	}
}

func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Response{Data: data})
}

func JSONMessage(w http.ResponseWriter, status int, message string) {
	write(w, status, Response{Message: message})
}

func JSONList(w http.ResponseWriter, status int, data any, totalCount int) {
	write(w, status, ListResponse{Data: data, TotalCount: totalCount})
}

func JSONErrorMessage(w http.ResponseWriter, status int, message string) {
	write(w, status, Response{Error: message})
}

func JSONErrorWithData(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Response{Data: data, Error: message})
}
