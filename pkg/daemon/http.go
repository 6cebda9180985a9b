package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dotsetgreg/agentmemory/pkg/retrieval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler serves /metrics from g (when non-nil), /healthz, /jobs and
// /teleport?q=...&k=N.
func (s *Service) Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	if g != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /teleport", s.handleTeleport)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Failed(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, st)
}

func (s *Service) handleTeleport(w http.ResponseWriter, r *http.Request) {
	q := retrieval.Query{Text: r.URL.Query().Get("q")}
	if k := r.URL.Query().Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 {
			http.Error(w, "k must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if kind := r.URL.Query()["kind"]; len(kind) > 0 {
		q.Kinds = kind
	}
	results, err := s.Teleport(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type hit struct {
		Ref   string  `json:"ref"`
		Score float64 `json:"score"`
		Kind  string  `json:"kind"`
		Title string  `json:"title,omitempty"`
		Text  string  `json:"text"`
	}
	out := make([]hit, 0, len(results))
	for _, res := range results {
		out = append(out, hit{
			Ref:   res.Ref,
			Score: res.Score,
			Kind:  res.Document.Fields.Kind,
			Title: res.Document.Fields.Title,
			Text:  res.Document.Text,
		})
	}
	s.writeJSON(w, out)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}
