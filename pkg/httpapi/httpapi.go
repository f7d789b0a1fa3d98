// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package httpapi exposes the small admin HTTP surface: message injection,
// pong retrieval, admin notifications, and latency metrics. There is no
// intrinsic authentication beyond the optional shared XAUTH header;
// deployments front it with access control.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhaopengme/mobclaw/pkg/bot"
	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

// Sender sends messages on behalf of HTTP callers.
type Sender interface {
	SendMessage(body string, opts signal.SendOpts) (*signal.Future, error)
}

// Server wires the admin endpoints around a running bot.
type Server struct {
	cfg    *config.Config
	bot    *bot.Bot
	sender Sender
	http   *http.Server
}

func NewServer(cfg *config.Config, b *bot.Bot, sender Sender) *Server {
	s := &Server{cfg: cfg, bot: b, sender: sender}

	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/user/{phonenumber}", s.handleUser).Methods(http.MethodPost)
	r.HandleFunc("/pongs/{key}", s.handlePong).Methods(http.MethodGet)
	r.HandleFunc("/admin", s.handleAdmin).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(b.Metrics().Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/csv_metrics", s.handleCSVMetrics).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.InfoCF("httpapi", "Admin HTTP surface listening", map[string]interface{}{
		"addr": s.cfg.HTTPAddr,
	})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// auth enforces the shared XAUTH header when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.XAuth != "" && r.Header.Get("X-Auth") != s.cfg.XAuth {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/metrics", http.StatusFound)
}

// handleUser sends the request body as a message to the phone number in the
// path. ?endsession=1 tears down the Signal session with that peer instead
// of chatting.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["phonenumber"]
	if !strings.HasPrefix(recipient, "+") {
		recipient = "+" + recipient
	}
	if !signal.ValidRecipient(recipient) {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	future, err := s.sender.SendMessage(string(body), signal.SendOpts{
		Recipient:  recipient,
		EndSession: r.URL.Query().Get("endsession") == "1",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	var sentTs int64
	if msg, err := future.Wait(ctx); err == nil && msg != nil {
		sentTs = msg.Timestamp
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "sent",
		"sent_ts": sentTs,
	})
}

// handlePong pops a stashed pong value; 404 when nothing was stashed under
// that key.
func (s *Server) handlePong(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, ok := s.bot.PopPong(key)
	if !ok {
		http.Error(w, fmt.Sprintf("no pong stashed under %q", key), http.StatusNotFound)
		return
	}
	fmt.Fprint(w, value)
}

// handleAdmin forwards ?message= plus the request body to the configured
// admin.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	text := r.URL.Query().Get("message") + string(body)
	if strings.TrimSpace(text) == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	s.bot.NotifyAdmin(text)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleCSVMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	if err := s.bot.Metrics().WriteCSV(w); err != nil {
		logger.ErrorC("httpapi", "Failed to stream CSV metrics: "+err.Error())
	}
}
