package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/app"
)

// NewRouter wires the REST API and the websocket endpoint. The websocket is
// served on both "/" and "/ws"; plain GETs on "/" get a JSON banner instead.
func NewRouter(service *app.RelayService, ws *WSHandler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := &handlers{service: service}

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/peer-data", h.peerData)
		r.Get("/question-stats/{questionId}", h.questionStats)
		r.Post("/submit-answer", h.submitAnswer)
		r.Post("/batch-submit", h.batchSubmit)
		r.Get("/stats", h.stats)
	})
	r.Get("/ws", ws.ServeWS)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws.ServeWS(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"service": "quiz-sync-relay", "websocket": "/ws"})
	})

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}).Handler(r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if websocket.IsWebSocketUpgrade(r) {
			return
		}
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
