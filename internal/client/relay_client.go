package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/app"
	"quiz-sync-relay/internal/domain"
)

const defaultRequestTimeout = 10 * time.Second

// DirectStore is the degraded path straight to the shared answer store, used
// when the relay cannot be reached.
type DirectStore interface {
	Upsert(ctx context.Context, rec domain.AnswerRecord) error
	UpsertBatch(ctx context.Context, recs []domain.AnswerRecord) error
	List(ctx context.Context) ([]domain.AnswerRecord, error)
}

// SubmitOutcome reports which path accepted a write.
type SubmitOutcome struct {
	ViaRelay  bool
	Count     int
	Broadcast int
}

type RelayClient struct {
	baseURL  string
	http     *http.Client
	fallback DirectStore
}

// NewRelayClient builds a REST client for the relay. fallback may be nil.
func NewRelayClient(baseURL string, httpClient *http.Client, fallback DirectStore) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &RelayClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		fallback: fallback,
	}
}

func (c *RelayClient) Health(ctx context.Context) (app.Health, error) {
	var out app.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return app.Health{}, err
	}
	return out, nil
}

// SubmitAnswer posts one answer to the relay, falling back to the direct
// store on transport failure or a non-success response.
func (c *RelayClient) SubmitAnswer(ctx context.Context, rec domain.AnswerRecord) (SubmitOutcome, error) {
	var res app.SubmitResult
	err := c.do(ctx, http.MethodPost, "/api/submit-answer", rec, &res)
	if err == nil && res.Success {
		return SubmitOutcome{ViaRelay: true, Count: 1, Broadcast: res.Broadcast}, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: submit not acknowledged", domain.ErrRelayUnavailable)
	}
	if c.fallback == nil {
		return SubmitOutcome{}, err
	}
	log.Warn().Err(err).Str("username", rec.Username).Str("question_id", rec.QuestionID).Msg("relay submit failed, writing directly")
	if ferr := c.fallback.Upsert(ctx, rec); ferr != nil {
		return SubmitOutcome{}, errors.Join(err, ferr)
	}
	return SubmitOutcome{Count: 1}, nil
}

func (c *RelayClient) BatchSubmit(ctx context.Context, recs []domain.AnswerRecord) (SubmitOutcome, error) {
	if len(recs) == 0 {
		return SubmitOutcome{ViaRelay: true}, nil
	}
	var res app.BatchResult
	body := struct {
		Answers []domain.AnswerRecord `json:"answers"`
	}{Answers: recs}
	err := c.do(ctx, http.MethodPost, "/api/batch-submit", body, &res)
	if err == nil && res.Success {
		return SubmitOutcome{ViaRelay: true, Count: res.Count, Broadcast: res.Broadcast}, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: batch not acknowledged", domain.ErrRelayUnavailable)
	}
	if c.fallback == nil {
		return SubmitOutcome{}, err
	}
	log.Warn().Err(err).Int("count", len(recs)).Msg("relay batch failed, writing directly")
	if ferr := c.fallback.UpsertBatch(ctx, recs); ferr != nil {
		return SubmitOutcome{}, errors.Join(err, ferr)
	}
	return SubmitOutcome{Count: len(recs)}, nil
}

// PullPeerData fetches records newer than since (0 for everything).
func (c *RelayClient) PullPeerData(ctx context.Context, since int64) ([]domain.AnswerRecord, error) {
	path := "/api/peer-data"
	if since > 0 {
		path += "?since=" + url.QueryEscape(strconv.FormatInt(since, 10))
	}
	var res app.PeerData
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	if err == nil {
		return res.Data, nil
	}
	if c.fallback == nil {
		return nil, err
	}
	log.Warn().Err(err).Msg("relay pull failed, reading directly")
	all, ferr := c.fallback.List(ctx)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	out := make([]domain.AnswerRecord, 0, len(all))
	for _, rec := range all {
		if rec.Timestamp > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *RelayClient) QuestionStats(ctx context.Context, questionID string) (domain.QuestionStats, error) {
	var res domain.QuestionStats
	if err := c.do(ctx, http.MethodGet, "/api/question-stats/"+url.PathEscape(questionID), nil, &res); err != nil {
		return domain.QuestionStats{}, err
	}
	return res, nil
}

func (c *RelayClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%w: %s %s: %d %s", domain.ErrRelayUnavailable, method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
