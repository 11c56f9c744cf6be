// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package localapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
)

const shutdownTimeout = 10 * time.Second

// Dispatcher delivers an event and reports the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

// ActionRunner validates action parameters and runs the action.
type ActionRunner interface {
	Run(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Listener   net.Listener
	Dispatcher Dispatcher
	Actions    ActionRunner
	Status     status.StatusGetter
	Logger     logger.Logger
}

// Validate ensures that the configuration is
// correctly populated for server operation.
func (config ServerConfig) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if config.Dispatcher == nil {
		return errors.NotValidf("nil Dispatcher")
	}
	if config.Actions == nil {
		return errors.NotValidf("nil Actions")
	}
	if config.Status == nil {
		return errors.NotValidf("nil Status")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Server serves the local API until killed. Requests in flight when it
// is killed have their context cancelled.
type Server struct {
	tomb   tomb.Tomb
	config ServerConfig
	server *http.Server
}

// NewServer starts a Server on config.Listener, which it closes when it
// stops.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{config: config}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.tomb.Go(func() error {
		defer cancel()
		s.tomb.Go(s.serve)
		<-s.tomb.Dying()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return errors.Trace(s.server.Shutdown(shutdownCtx))
	})
	return s, nil
}

func (s *Server) serve() error {
	err := s.server.Serve(s.config.Listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Annotate(err, "serving local API")
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events", s.postEvent).Methods(http.MethodPost)
	r.HandleFunc("/actions/{name}", s.postAction).Methods(http.MethodPost)
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewNotValid(err, "event request"))
		return
	}
	ev := req.Event()
	if err := ev.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	s.config.Logger.Debugf("relayed %s", ev)
	if err := s.config.Dispatcher.Dispatch(r.Context(), ev); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	params := make(map[string]any)
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.writeError(w, errors.NewNotValid(err, "parameters for "+name))
			return
		}
	}
	if params == nil {
		params = make(map[string]any)
	}
	s.config.Logger.Debugf("running action %s", name)
	results, err := s.config.Actions.Run(r.Context(), name, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ActionResponse{Results: results})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	info, err := s.config.Status.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:  info.Status.String(),
		Message: info.Message,
		Since:   info.Since,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, httpStatus := errorCode(err)
	if httpStatus == http.StatusInternalServerError {
		s.config.Logger.Errorf("local API: %v", err)
	}
	s.writeJSON(w, httpStatus, ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, httpStatus int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.config.Logger.Warningf("writing local API response: %v", err)
	}
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}
