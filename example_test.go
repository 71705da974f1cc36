// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivere/gcjob"
)

// releaseHost releases the resources of a host once it reconnects.
type releaseHost struct {
	Host string `json:"host"`
	done chan struct{}
}

func (r *releaseHost) TriggerNow(ctx context.Context, c gcjob.Completion) {
	fmt.Printf("Release %s\n", r.Host)
	c.Success()
	r.done <- struct{}{}
}

func (r *releaseHost) Snapshot() ([]byte, error) { return json.Marshal(r) }

func (r *releaseHost) Accept(e gcjob.Event) bool { return e.Metadata["host"] == r.Host }

func ExampleManager() {
	// Create a new manager with an in-memory store
	m, err := gcjob.New(gcjob.SetNode("node-1"))
	if err != nil {
		fmt.Println("New failed")
		return
	}

	// Register the kind of job, triggered when a host reconnects
	jobDone := make(chan struct{}, 1)
	err = m.RegisterKind(gcjob.Kind{
		Name:     "release-host",
		Strategy: gcjob.EventBased,
		Topics:   []string{"host.connected"},
		Restore: gcjob.RestoreJSON(func(r *releaseHost) gcjob.Runner {
			r.done = jobDone
			return r
		}),
	})
	if err != nil {
		fmt.Println("RegisterKind failed")
		return
	}

	// Start the manager
	err = m.Start(context.Background())
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Save and register a new job
	job, err := m.NewJob("release-host", &releaseHost{Host: "host-7", done: jobDone}, gcjob.WithName("release-host-7"))
	if err != nil {
		fmt.Println("NewJob failed")
		return
	}
	if ok, err := m.Submit(context.Background(), job); err != nil || !ok {
		fmt.Println("Submit failed")
		return
	}
	fmt.Println("Job submitted")

	// Let the host reconnect
	err = m.Publish("host.connected", nil, map[string]string{"host": "host-7"})
	if err != nil {
		fmt.Println("Publish failed")
		return
	}

	// Wait for the job to complete
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the manager
	err = m.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job submitted
	// Release host-7
	// Stopped
}
