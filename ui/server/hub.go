// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"

	"go.uber.org/zap"
)

// hub maintains the set of active connections and broadcasts messages
// to them.
type hub struct {
	logger     *zap.Logger
	conns      map[*connection]struct{}
	broadcast  chan []byte
	register   chan *connection
	unregister chan *connection
	done       chan struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:     logger,
		conns:      make(map[*connection]struct{}),
		broadcast:  make(chan []byte),
		register:   make(chan *connection),
		unregister: make(chan *connection),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.conns {
			close(c.send)
		}
	}()
	for {
		select {
		case c := <-h.register:
			h.conns[c] = struct{}{}
			h.logger.Debug("websocket connected", zap.Int("connections", len(h.conns)))
		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
					// Slow client
					delete(h.conns, c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
