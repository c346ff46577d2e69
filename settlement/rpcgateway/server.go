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

package rpcgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/utils/log"
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server exposes a settlement.Gateway over JSON-RPC on websocket connections.
type Server struct {
	gw       settlement.Gateway
	methods  map[string]handlerFunc
	upgrader websocket.Upgrader
}

// NewServer returns a server relaying calls to gw.
func NewServer(gw settlement.Gateway) *Server {
	s := &Server{
		gw:       gw,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.methods = map[string]handlerFunc{
		MethodSubmit: s.submit,
		MethodPoll:   s.poll,
	}
	return s
}

// Handler returns the jsonrpc2 handler of the server.
func (s *Server) Handler() jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(s.handle)
}

// ServeHTTP upgrades the request to a websocket and serves JSON-RPC on it
// until the peer disconnects.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warning("rpcgateway: upgrade http connection to websocket failed")
		return
	}
	defer conn.Close()

	log.WithField("remote", r.RemoteAddr).Debug("rpcgateway: relay connection opened")
	<-jsonrpc2.NewConn(r.Context(), wsstream.NewObjectStream(conn), s.Handler()).DisconnectNotify()
	log.WithField("remote", r.RemoteAddr).Debug("rpcgateway: relay connection closed")
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (
	result interface{}, err error,
) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()

	fn := s.methods[req.Method]
	if fn == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if req.Params == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams}
	}
	return fn(ctx, *req.Params)
}

func (s *Server) submit(ctx context.Context, raw json.RawMessage) (result interface{}, err error) {
	var params SubmitParams
	if err = json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	op, err := params.operation()
	if err != nil {
		return
	}
	ref, err := s.gw.Submit(ctx, op)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &SubmitResult{Ref: ref}, nil
}

func (s *Server) poll(ctx context.Context, raw json.RawMessage) (result interface{}, err error) {
	var params PollParams
	if err = json.Unmarshal(raw, &params); err != nil || params.Ref == "" {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid poll params"}
	}
	res, err := s.gw.Poll(ctx, params.Ref)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &res, nil
}

func toRPCError(err error) *jsonrpc2.Error {
	var code int64 = jsonrpc2.CodeInternalError
	switch errors.Cause(err) {
	case settlement.ErrUnavailable:
		code = CodeUnavailable
	case settlement.ErrUnknownRef:
		code = CodeUnknownRef
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}
