// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/viznet/camerad/internal/broker"
	"github.com/viznet/camerad/internal/convert"
	"github.com/viznet/camerad/internal/library"
	"github.com/viznet/camerad/internal/recorder"
	"github.com/viznet/camerad/internal/stream"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{library.ErrNotFound, http.StatusNotFound},
		{broker.ErrUnknownCamera, http.StatusNotFound},
		{recorder.ErrNotRecording, http.StatusNotFound},
		{stream.ErrNotStreaming, http.StatusNotFound},
		{broker.ErrAlreadyRecording, http.StatusConflict},
		{recorder.ErrPathExists, http.StatusConflict},
		{recorder.ErrInvalidFilename, http.StatusBadRequest},
		{convert.ErrPending, http.StatusAccepted},
		{errors.New("boom"), http.StatusInternalServerError},
		// Wrapped domain errors map the same way.
		{fmt.Errorf("start: %w: cam0", broker.ErrAlreadyRecording), http.StatusConflict},
		{fmt.Errorf("lookup: %w", library.ErrNotFound), http.StatusNotFound},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestWriteError_PendingSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, convert.ErrPending)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	// The hint matches the wait window the playback handler applies.
	want := strconv.Itoa(int(convert.RetryAfter / time.Second))
	assert.Equal(t, want, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "converting")
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 7})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"n":7}`, rec.Body.String())
}
