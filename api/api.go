/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api serves the escrow coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/escrow"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
)

const argCampaignID = "id"

var apiTimeout = time.Second * 10

// Escrow is the coordinator surface served by the API.
type Escrow interface {
	CreateCampaign(ctx context.Context, req *escrow.CreateCampaignRequest) (*escrow.CampaignResult, error)
	Pledge(ctx context.Context, req *escrow.PledgeRequest) (*escrow.PledgeResult, error)
	ApproveMilestone(ctx context.Context, req *escrow.ApproveRequest) (*escrow.ApprovalResult, error)
	ReleaseMilestone(ctx context.Context, req *escrow.ReleaseRequest) (*escrow.ReleaseResult, error)
	CloseCampaign(ctx context.Context, req *escrow.CloseRequest) (*types.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*types.Campaign, error)
	ListCampaigns(ctx context.Context) ([]*types.Campaign, error)
	Repair(id string) error
	Quarantined() []string
}

// Reconciler is the scheduler surface served by the API.
type Reconciler interface {
	Flush(ctx context.Context) int
	Outstanding() int
}

// Options wires the optional endpoints.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Debug serves GET /debug/metrics when set.
	Debug http.Handler
}

func sendResponse(code int, success bool, msg interface{}, data interface{}, rw http.ResponseWriter) {
	msgStr := "ok"
	if msg != nil {
		msgStr = fmt.Sprint(msg)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":  msgStr,
		"success": success,
		"data":    data,
	}); err != nil {
		log.WithError(err).Debug("api: write response failed")
	}
}

func sendError(err error, rw http.ResponseWriter) {
	status := http.StatusInternalServerError
	switch errors.Cause(err) {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrStateConflict:
		status = http.StatusConflict
	case types.ErrAuthorization:
		status = http.StatusForbidden
	case types.ErrContention, types.ErrCorruptedSnapshot, types.ErrQuarantined:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("api: request failed")
	}
	sendResponse(status, false, err.Error(), nil, rw)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(types.ErrValidation, "decode request body: %v", err)
	}
	return nil
}

type service struct {
	escrow Escrow
	rec    Reconciler
}

func (s *service) health(rw http.ResponseWriter, r *http.Request) {
	sendResponse(http.StatusOK, true, nil, map[string]interface{}{
		"outstanding": s.rec.Outstanding(),
		"quarantined": len(s.escrow.Quarantined()),
	}, rw)
}

func (s *service) listCampaigns(rw http.ResponseWriter, r *http.Request) {
	camps, err := s.escrow.ListCampaigns(r.Context())
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, camps, rw)
}

func (s *service) getCampaign(rw http.ResponseWriter, r *http.Request) {
	camp, err := s.escrow.GetCampaign(r.Context(), mux.Vars(r)[argCampaignID])
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, camp, rw)
}

func (s *service) createCampaign(rw http.ResponseWriter, r *http.Request) {
	var req escrow.CreateCampaignRequest
	if err := decode(r, &req); err != nil {
		sendError(err, rw)
		return
	}
	res, err := s.escrow.CreateCampaign(r.Context(), &req)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusCreated, true, nil, res, rw)
}

func (s *service) pledge(rw http.ResponseWriter, r *http.Request) {
	var req escrow.PledgeRequest
	if err := decode(r, &req); err != nil {
		sendError(err, rw)
		return
	}
	req.CampaignID = mux.Vars(r)[argCampaignID]
	res, err := s.escrow.Pledge(r.Context(), &req)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusAccepted, true, nil, res, rw)
}

func (s *service) approve(rw http.ResponseWriter, r *http.Request) {
	var req escrow.ApproveRequest
	if err := decode(r, &req); err != nil {
		sendError(err, rw)
		return
	}
	req.CampaignID = mux.Vars(r)[argCampaignID]
	res, err := s.escrow.ApproveMilestone(r.Context(), &req)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusAccepted, true, nil, res, rw)
}

func (s *service) release(rw http.ResponseWriter, r *http.Request) {
	var req escrow.ReleaseRequest
	if err := decode(r, &req); err != nil {
		sendError(err, rw)
		return
	}
	req.CampaignID = mux.Vars(r)[argCampaignID]
	res, err := s.escrow.ReleaseMilestone(r.Context(), &req)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusAccepted, true, nil, res, rw)
}

func (s *service) closeCampaign(rw http.ResponseWriter, r *http.Request) {
	var req escrow.CloseRequest
	if err := decode(r, &req); err != nil {
		sendError(err, rw)
		return
	}
	req.CampaignID = mux.Vars(r)[argCampaignID]
	camp, err := s.escrow.CloseCampaign(r.Context(), &req)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, camp, rw)
}

func (s *service) repair(rw http.ResponseWriter, r *http.Request) {
	if err := s.escrow.Repair(mux.Vars(r)[argCampaignID]); err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, nil, rw)
}

func (s *service) reconcile(rw http.ResponseWriter, r *http.Request) {
	n := s.rec.Flush(r.Context())
	sendResponse(http.StatusOK, true, nil, map[string]interface{}{
		"attempted":   n,
		"outstanding": s.rec.Outstanding(),
	}, rw)
}

// NewRouter returns the API handler with CORS support.
func NewRouter(e Escrow, rec Reconciler, opts Options) http.Handler {
	s := &service{escrow: e, rec: rec}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.health).Methods("GET")
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	if opts.Debug != nil {
		router.Handle("/debug/metrics", opts.Debug).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/projects", s.listCampaigns).Methods("GET")
	apiRouter.HandleFunc("/projects", s.createCampaign).Methods("POST")
	apiRouter.HandleFunc("/projects/{id}", s.getCampaign).Methods("GET")
	apiRouter.HandleFunc("/projects/{id}/pledge", s.pledge).Methods("POST")
	apiRouter.HandleFunc("/projects/{id}/approve", s.approve).Methods("POST")
	apiRouter.HandleFunc("/projects/{id}/release", s.release).Methods("POST")
	apiRouter.HandleFunc("/projects/{id}/close", s.closeCampaign).Methods("POST")
	apiRouter.HandleFunc("/projects/{id}/repair", s.repair).Methods("POST")
	apiRouter.HandleFunc("/reconcile", s.reconcile).Methods("POST")

	return handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
	)(router)
}

// StartServer serves handler on listenAddr in the background.
func StartServer(listenAddr string, handler http.Handler) (server *http.Server, err error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		err = errors.Wrapf(err, "listen on %s failed", listenAddr)
		return
	}
	server = &http.Server{
		Addr:         listener.Addr().String(),
		WriteTimeout: apiTimeout * 3,
		ReadTimeout:  apiTimeout,
		IdleTimeout:  apiTimeout,
		Handler:      handler,
	}
	log.WithField("addr", server.Addr).Info("api: start http server")
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("api: http server stopped")
		}
	}()
	return
}

// StopServer gracefully shuts the server down.
func StopServer(server *http.Server) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = server.Shutdown(ctx); err != nil {
		err = errors.Wrap(err, "shutdown api server failed")
	}
	return
}
