// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/olivere/gcjob"
)

// State is the current state of the manager.
type State struct {
	Type  string          `json:"type"`
	Stats *gcjob.Stats    `json:"stats,omitempty"`
	Jobs  []gcjob.JobInfo `json:"jobs,omitempty"`
}

func watcher(ctx context.Context, m *gcjob.Manager, interval time.Duration, h *hub, logger *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			stats, err := m.Stats(ctx)
			if err != nil {
				logger.Warn("cannot get stats", zap.Error(err))
				continue
			}
			newState.Stats = stats
			newState.Jobs = m.Jobs()
			payload, err := json.Marshal(newState)
			if err != nil {
				logger.Error("cannot encode state", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
