package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/app"
	"quiz-sync-relay/internal/domain"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	service *app.RelayService
}

type errorResponse struct {
	Error string `json:"error"`
}

// answerRequest is the wire form of a submitted answer. Timestamps may be
// epoch milliseconds or ISO-8601 strings; answer values may be any JSON scalar.
type answerRequest struct {
	Username    string           `json:"username"`
	QuestionID  string           `json:"question_id"`
	AnswerValue json.RawMessage  `json:"answer_value"`
	Timestamp   domain.Timestamp `json:"timestamp"`
}

// record converts the request, rejecting an absent or null answer_value.
// A zero timestamp is left for the service to stamp with now.
func (a answerRequest) record() (domain.AnswerRecord, error) {
	value := bytes.TrimSpace(a.AnswerValue)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return domain.AnswerRecord{}, fmt.Errorf("%w: answer_value is required", domain.ErrInvalidAnswer)
	}
	return domain.AnswerRecord{
		Username:   a.Username,
		QuestionID: a.QuestionID,
		Value:      domain.ScalarString(value),
		Timestamp:  a.Timestamp.Millis(),
	}, nil
}

type batchRequest struct {
	Answers json.RawMessage `json:"answers"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidAnswer), errors.Is(err, domain.ErrMalformedTimestamp):
		status = http.StatusBadRequest
	default:
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Health(r.Context()))
}

func (h *handlers) peerData(w http.ResponseWriter, r *http.Request) {
	// unparsable since means no filter
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	data, err := h.service.PeerData(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *handlers) questionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QuestionStats(r.Context(), chi.URLParam(r, "questionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	rec, err := req.record()
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.service.SubmitAnswer(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) batchSubmit(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	raw := bytes.TrimSpace(req.Answers)
	if len(raw) == 0 || raw[0] != '[' {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid answers array"})
		return
	}
	var answers []answerRequest
	if err := json.Unmarshal(raw, &answers); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid answers: " + err.Error()})
		return
	}
	recs := make([]domain.AnswerRecord, len(answers))
	for i, a := range answers {
		rec, err := a.record()
		if err != nil {
			writeError(w, fmt.Errorf("answer %d: %w", i, err))
			return
		}
		recs[i] = rec
	}
	result, err := h.service.BatchSubmit(r.Context(), recs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.ServerStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
