package cli

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quiz-sync-relay/internal/app"
	"quiz-sync-relay/internal/domain"
	"quiz-sync-relay/internal/infra/memory"
	transport "quiz-sync-relay/internal/transport/http"
)

func startRelay(t *testing.T) (*httptest.Server, *memory.AnswerStore) {
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

func writeClientConfig(t *testing.T, dir, relayURL string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "client:\n  relay_url: " + relayURL + "\n  db_path: " + filepath.Join(dir, "client.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func clearClientEnv(t *testing.T) {
	for _, key := range []string{"RELAY_URL", "DATABASE_URL", "REDIS_ADDR", "NATS_URL"} {
		t.Setenv(key, "")
	}
}

func TestAnswerAndPushReachRelay(t *testing.T) {
	clearClientEnv(t)
	dir := t.TempDir()
	first, firstStore := startRelay(t)
	cfgPath := writeClientConfig(t, dir, first.URL)

	if err := runCLI(t, "answer", "q1", "B", "--user", "amy", "--reason", "guess", "--config", cfgPath); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := runCLI(t, "answer", "q2", "C", "--config", cfgPath); err != nil {
		t.Fatalf("answer as remembered user: %v", err)
	}
	recs, _ := firstStore.List(context.Background())
	if len(recs) != 2 {
		t.Fatalf("expected 2 records on the relay, got %+v", recs)
	}
	for _, rec := range recs {
		if rec.Username != "amy" {
			t.Fatalf("unexpected username in %+v", rec)
		}
	}

	// a fresh relay only learns the answers through push
	second, secondStore := startRelay(t)
	cfgPath = writeClientConfig(t, dir, second.URL)
	if err := runCLI(t, "push", "--config", cfgPath); err != nil {
		t.Fatalf("push: %v", err)
	}
	pushed, _ := secondStore.List(context.Background())
	if len(pushed) != 2 {
		t.Fatalf("expected 2 pushed records, got %+v", pushed)
	}
	byQuestion := map[string]string{}
	for _, rec := range pushed {
		byQuestion[rec.QuestionID] = rec.Value
	}
	if byQuestion["q1"] != "B" || byQuestion["q2"] != "C" {
		t.Fatalf("unexpected pushed values %+v", byQuestion)
	}
}

func TestAnswerKeptLocallyWhenRelayDown(t *testing.T) {
	clearClientEnv(t)
	dir := t.TempDir()
	down, _ := startRelay(t)
	down.Close()
	cfgPath := writeClientConfig(t, dir, down.URL)

	if err := runCLI(t, "answer", "q1", "A", "--user", "amy", "--config", cfgPath); err != nil {
		t.Fatalf("answer with relay down should not fail: %v", err)
	}

	up, store := startRelay(t)
	cfgPath = writeClientConfig(t, dir, up.URL)
	if err := runCLI(t, "push", "--user", "amy", "--config", cfgPath); err != nil {
		t.Fatalf("push: %v", err)
	}
	recs, _ := store.List(context.Background())
	if len(recs) != 1 || recs[0].Value != "A" {
		t.Fatalf("expected the locally kept answer, got %+v", recs)
	}
}

func TestClientCommandsNeedIdentity(t *testing.T) {
	clearClientEnv(t)
	dir := t.TempDir()
	relay, _ := startRelay(t)
	cfgPath := writeClientConfig(t, dir, relay.URL)

	if err := runCLI(t, "push", "--config", cfgPath); !errors.Is(err, domain.ErrNoUsername) {
		t.Fatalf("expected ErrNoUsername, got %v", err)
	}
	if err := runCLI(t, "badge", "first-answer", "--user", "amy", "--config", cfgPath); err != nil {
		t.Fatalf("badge: %v", err)
	}
	if err := runCLI(t, "progress", "unit1", "abc", "--config", cfgPath); err == nil {
		t.Fatalf("expected error for non-numeric progress")
	}
	if err := runCLI(t, "progress", "unit1", "0.5", "--config", cfgPath); err != nil {
		t.Fatalf("progress as remembered user: %v", err)
	}
}
