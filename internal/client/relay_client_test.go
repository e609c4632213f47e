package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quiz-sync-relay/internal/app"
	"quiz-sync-relay/internal/domain"
	"quiz-sync-relay/internal/infra/memory"
	transport "quiz-sync-relay/internal/transport/http"
)

func newRelayServer(t *testing.T) (*httptest.Server, *memory.AnswerStore) {
	t.Helper()
	store := memory.NewAnswerStore()
	hub := transport.NewHub()
	service := app.NewRelayService(
		store,
		memory.NewTTLCache[[]domain.AnswerRecord](30*time.Second, nil),
		memory.NewTTLCache[domain.QuestionStats](time.Minute, nil),
		hub,
	)
	server := httptest.NewServer(transport.NewRouter(service, transport.NewWSHandler(hub, transport.DefaultWSConfig()), nil))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return server, store
}

func TestRelayClientRoundTrip(t *testing.T) {
	server, _ := newRelayServer(t)
	ctx := context.Background()
	c := NewRelayClient(server.URL+"/", nil, nil)

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("status = %q", health.Status)
	}

	out, err := c.SubmitAnswer(ctx, domain.AnswerRecord{Username: "amy", QuestionID: "Q1", Value: "A", Timestamp: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.ViaRelay || out.Count != 1 {
		t.Fatalf("outcome = %+v", out)
	}

	out, err = c.BatchSubmit(ctx, []domain.AnswerRecord{
		{Username: "bob", QuestionID: "Q1", Value: "B", Timestamp: 200},
		{Username: "cat", QuestionID: "Q1", Value: "A", Timestamp: 300},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !out.ViaRelay || out.Count != 2 {
		t.Fatalf("batch outcome = %+v", out)
	}

	recs, err := c.PullPeerData(ctx, 150)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("pulled %d records, want 2", len(recs))
	}

	st, err := c.QuestionStats(ctx, "Q1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalResponses != 3 || st.Distribution["A"] != 67 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRelayClientFallsBackToDirectStore(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	ctx := context.Background()
	direct := memory.NewAnswerStore()
	c := NewRelayClient(down.URL, nil, direct)

	out, err := c.SubmitAnswer(ctx, domain.AnswerRecord{Username: "amy", QuestionID: "Q1", Value: "A", Timestamp: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.ViaRelay {
		t.Fatal("expected the direct path")
	}
	if _, err := c.BatchSubmit(ctx, []domain.AnswerRecord{{Username: "bob", QuestionID: "Q2", Value: "C", Timestamp: 50}}); err != nil {
		t.Fatalf("batch: %v", err)
	}

	recs, err := c.PullPeerData(ctx, 60)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(recs) != 1 || recs[0].Username != "amy" {
		t.Fatalf("pulled %+v", recs)
	}
}

func TestRelayClientWithoutFallbackReportsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	c := NewRelayClient(server.URL, nil, nil)
	_, err := c.SubmitAnswer(context.Background(), domain.AnswerRecord{Username: "amy", QuestionID: "Q1", Value: "A"})
	if !errors.Is(err, domain.ErrRelayUnavailable) {
		t.Fatalf("err = %v, want ErrRelayUnavailable", err)
	}
}
