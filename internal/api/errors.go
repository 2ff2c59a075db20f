// SPDX-License-Identifier: MIT

// Package api is the HTTP transport binding: route assembly, middleware and
// the mapping from domain errors to status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/viznet/camerad/internal/broker"
	"github.com/viznet/camerad/internal/convert"
	"github.com/viznet/camerad/internal/library"
	"github.com/viznet/camerad/internal/log"
	"github.com/viznet/camerad/internal/recorder"
	"github.com/viznet/camerad/internal/stream"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its status code. Caller-input conflicts
// (404/409) are never logged as system failures.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound),
		errors.Is(err, broker.ErrUnknownCamera),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, stream.ErrNotStreaming):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, broker.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrPathExists):
		WriteJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, recorder.ErrInvalidFilename):
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, convert.ErrPending):
		w.Header().Set("Retry-After", strconv.Itoa(int(convert.RetryAfter/time.Second)))
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "converting"})
	default:
		lg := log.WithComponent("api")
		lg.Error().Err(err).Msg("request failed")
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
