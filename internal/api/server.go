package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"homerules/internal/notify"
	"homerules/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RuleSource lists the running rules. *plugin.Group implements it.
type RuleSource interface {
	Statuses() []plugin.Status
	Get(name string) plugin.Rule
}

// Server provides HTTP API endpoints for the rule engine
type Server struct {
	rules      RuleSource
	categories *notify.Registry
	logger     *zap.Logger
	server     *http.Server
	started    time.Time
}

// NewServer creates a new API server. gatherer may be nil to leave /metrics out.
func NewServer(rules RuleSource, categories *notify.Registry, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		rules:      rules,
		categories: categories,
		logger:     logger.Named("api"),
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/rules", s.handleListRules)
	mux.HandleFunc("/api/rules/{name}", s.handleGetRule)
	mux.HandleFunc("/api/categories", s.handleCategories)
	mux.HandleFunc("/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// RulesResponse is the JSON response of /api/rules
type RulesResponse struct {
	Rules []plugin.Status `json:"rules"`
	Count int             `json:"count"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.rules.Statuses()
	s.writeJSON(w, http.StatusOK, RulesResponse{Rules: statuses, Count: len(statuses)})
	s.logger.Debug("Rules request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("rules", len(statuses)))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	rule := s.rules.Get(name)
	if rule == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no rule named %q", name)})
		return
	}
	s.writeJSON(w, http.StatusOK, plugin.StatusOf(rule))
}

// CategoryResponse describes one notification category
type CategoryResponse struct {
	Name    string                   `json:"name"`
	Channel notify.ChannelDescriptor `json:"channel"`
	Body    string                   `json:"body"`
	Actions []string                 `json:"actions,omitempty"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []CategoryResponse
	if s.categories != nil {
		for _, name := range s.categories.Categories() {
			c, ok := s.categories.Category(name)
			if !ok {
				continue
			}
			out = append(out, CategoryResponse{
				Name:    c.Name,
				Channel: c.Channel.Info(),
				Body:    c.Body,
				Actions: c.Actions,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/rules", Method: "GET", Description: "Status of every rule (kind, state, listeners, last transition)"},
	{Path: "/api/rules/{name}", Method: "GET", Description: "Status of one rule"},
	{Path: "/api/categories", Method: "GET", Description: "Notification categories with their channel and actions"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>homerules API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>homerules API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "homerules API\n")
		fmt.Fprintf(w, "=============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-20s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl http://localhost%s/api/rules | jq\n", s.server.Addr)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
