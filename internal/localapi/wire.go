// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package localapi is the HTTP API the long-running agent serves on a
// unix socket, so that hook and action invocations reach the one
// process owning the dispatcher.
package localapi

import (
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
)

// Error codes carried in error responses.
const (
	CodeNotValid    = "not-valid"
	CodeNotFound    = "not-found"
	CodeNotLeader   = "not-leader"
	CodeUnavailable = "unavailable"
	CodeLockHeld    = "lock-held"
)

// EventRequest is the body of POST /events.
type EventRequest struct {
	Kind       string            `json:"kind"`
	RemoteUnit string            `json:"remote-unit,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Event returns the event described by r.
func (r EventRequest) Event() event.Event {
	return event.Event{
		Kind:       event.Kind(r.Kind),
		RemoteUnit: r.RemoteUnit,
		Payload:    r.Payload,
	}
}

// ActionResponse is the body of a successful POST /actions/{name}.
type ActionResponse struct {
	Results map[string]any `json:"results"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, errors.NotValid):
		return CodeNotValid, http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, databag.ErrNotLeader):
		return CodeNotLeader, http.StatusConflict
	case errors.Is(err, lock.ErrHeld):
		return CodeLockHeld, http.StatusConflict
	case errors.Is(err, databag.ErrStateUnavailable):
		return CodeUnavailable, http.StatusServiceUnavailable
	}
	return "", http.StatusInternalServerError
}

// restoreError gives a decoded error response back the type its code
// names, so that callers can test it as if the call were local.
func restoreError(resp ErrorResponse) error {
	err := errors.New(resp.Error)
	switch resp.Code {
	case CodeNotValid:
		return errors.WithType(err, errors.NotValid)
	case CodeNotFound:
		return errors.WithType(err, errors.NotFound)
	case CodeNotLeader:
		return errors.WithType(err, databag.ErrNotLeader)
	case CodeLockHeld:
		return errors.WithType(err, lock.ErrHeld)
	case CodeUnavailable:
		return errors.WithType(err, databag.ErrStateUnavailable)
	}
	return err
}
