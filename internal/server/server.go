// Package server exposes the thin HTTP and WebSocket surface around the
// orchestration core: session CRUD, the bidirectional client channel, and
// the health/usage endpoints. The orchestration semantics live entirely in
// the router, planner, and worker packages; nothing here is on the plan's
// critical path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/notifier/inmemory"
	"github.com/agentcore/planrunner/internal/router"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/telemetry"
)

// Server wires the HTTP mux. The notifier must be the in-memory backend:
// this server terminates the WebSocket in-process. A Pulse-backed notifier
// pairs with a separate WebSocket terminator subscribing to the Redis
// streams instead.
type Server struct {
	Store    store.Store
	Router   *router.Router
	Events   *inmemory.Notifier
	LLM      *llm.Client
	Usage    *llm.UsageLog
	Logger   telemetry.Logger
	Upgrader websocket.Upgrader
}

// inbound is a client -> server WebSocket message.
type inbound struct {
	Type     string   `json:"type"`
	RouterID string   `json:"router_id,omitempty"`
	Message  string   `json:"message,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// Handler returns the full HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /usage", s.handleUsage)
	mux.HandleFunc("GET /routers", s.handleListRouters)
	mux.HandleFunc("GET /routers/{id}", s.handleGetRouter)
	mux.HandleFunc("POST /routers/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /routers/{id}/update-title", s.handleUpdateTitle)
	mux.HandleFunc("GET /messages/{id}/planner-info", s.handlePlannerInfo)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	if s.Usage == nil {
		writeJSON(w, http.StatusOK, llm.Aggregates{})
		return
	}
	writeJSON(w, http.StatusOK, s.Usage.Aggregate(time.Now()))
}

func (s *Server) handleListRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := s.Store.ListRouters(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routers)
}

func (s *Server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.Store.GetMessages(r.Context(), model.AgentRouter, id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Message string   `json:"message"`
		Files   []string `json:"files,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.dispatchTurn(r.Context(), id, body.Message, body.Files); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"router_id": id})
}

// dispatchTurn routes a turn to Activate or Handle depending on whether the
// router row exists yet.
func (s *Server) dispatchTurn(ctx context.Context, routerID, message string, files []string) error {
	if _, err := s.Store.GetRouter(ctx, routerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.Router.Activate(ctx, routerID, message, files)
		}
		return err
	}
	return s.Router.Handle(ctx, routerID, message, files)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, err := s.Store.GetRouter(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	// Title generation is fire-and-forget; the client polls /routers for
	// the updated value.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msgs, err := s.Store.GetMessages(ctx, model.AgentRouter, id)
		if err != nil {
			s.Logger.Error(ctx, "server: title: load messages", "router_id", id, "err", err)
			return
		}
		prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(
			"Summarise this conversation into a title of at most six words. Respond with the title only.")}
		title, err := s.LLM.Text(ctx, &llm.Request{Model: rt.Model, Temperature: rt.Temperature, Messages: append(msgs, prompt)})
		if err != nil {
			s.Logger.Error(ctx, "server: title: completion", "router_id", id, "err", err)
			return
		}
		if err := s.Store.UpdateRouter(ctx, id, map[string]any{"title": title}); err != nil {
			s.Logger.Error(ctx, "server: title: update", "router_id", id, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"router_id": id})
}

func (s *Server) handlePlannerInfo(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	routerID := r.URL.Query().Get("router_id")
	plannerID, err := s.Store.PlannerForMessage(r.Context(), routerID, messageID)
	if err != nil {
		httpError(w, err)
		return
	}
	p, err := s.Store.GetPlanner(r.Context(), plannerID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"planner_id":     p.ID,
		"status":         p.Status,
		"execution_plan": p.ExecutionPlan,
	})
}

// handleWS upgrades the connection and bridges it to the notifier: inbound
// messages drive the router, outbound notifier events are forwarded as
// JSON. One client per router session at a time.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error(r.Context(), "server: ws upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var attached string
	defer func() {
		if attached != "" {
			s.Events.Detach(attached)
		}
	}()

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "load_router":
			attached = s.attach(ctx, conn, attached, in.RouterID)
			msgs, err := s.Store.GetMessages(ctx, model.AgentRouter, in.RouterID)
			if err != nil {
				s.writeEvent(conn, notifier.Error(in.RouterID, err.Error()))
				continue
			}
			s.writeEvent(conn, notifier.MessageHistory(in.RouterID, msgs))

		case "message":
			routerID := in.RouterID
			isNew := routerID == ""
			if isNew {
				routerID = ids.New()
			}
			attached = s.attach(ctx, conn, attached, routerID)
			go func() {
				var err error
				if isNew {
					err = s.Router.Activate(ctx, routerID, in.Message, in.Files)
				} else {
					err = s.dispatchTurn(ctx, routerID, in.Message, in.Files)
				}
				if err != nil {
					s.Logger.Error(ctx, "server: turn failed", "router_id", routerID, "err", err)
					s.Events.Send(ctx, notifier.Error(routerID, "The request could not be processed."))
				}
			}()

		default:
			s.writeEvent(conn, notifier.Error(in.RouterID, fmt.Sprintf("unknown message type %q", in.Type)))
		}
	}
}

// attach subscribes conn to routerID's events, replacing any previous
// subscription this connection held, and starts the forwarding loop.
func (s *Server) attach(ctx context.Context, conn *websocket.Conn, previous, routerID string) string {
	if previous == routerID {
		return previous
	}
	if previous != "" {
		s.Events.Detach(previous)
	}
	ch := s.Events.Attach(routerID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.writeEvent(conn, ev)
			}
		}
	}()
	return routerID
}

func (s *Server) writeEvent(conn *websocket.Conn, ev notifier.Event) {
	if err := conn.WriteJSON(ev); err != nil {
		s.Logger.Warn(context.Background(), "server: ws write", "router_id", ev.RouterID, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
