// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/olivere/gcjob"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Time allowed to look up a job.
	lookupTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound broadcasts, closed by the hub.
	send chan []byte
	// Replies to requests of this peer.
	reply chan []byte
	// Closed when writePump returns.
	done chan struct{}
	srv  *Server
}

type lookupResponse struct {
	Type    string        `json:"type"`
	Message string        `json:"message,omitempty"`
	Job     *gcjob.Record `json:"job,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	h := c.srv.hub
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				c.srv.logger.Warn("websocket closed", zap.Error(err))
			}
			break
		}
		switch msg.Type {
		case "JOB_LOOKUP":
			payload, _ := json.Marshal(c.lookup(msg.ID))
			select {
			case c.reply <- payload:
			case <-c.done:
				return
			}
		}
	}
}

func (c *connection) lookup(id string) *lookupResponse {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	rsp := &lookupResponse{Type: "JOB_LOOKUP"}
	rec, err := c.srv.m.Lookup(ctx, id)
	switch {
	case errors.Is(err, gcjob.ErrNotFound):
		rsp.Message = "Job cannot be found"
	case err != nil:
		c.srv.logger.Error("job lookup failed", zap.String("id", id), zap.Error(err))
		rsp.Message = "Job lookup failed"
	default:
		rsp.Job = rec
	}
	return rsp
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case message := <-c.reply:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (s wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.srv.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &connection{
		ws:    ws,
		send:  make(chan []byte, 256),
		reply: make(chan []byte, 1),
		done:  make(chan struct{}),
		srv:   s.srv,
	}
	select {
	case s.srv.hub.register <- c:
	case <-s.srv.hub.done:
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
