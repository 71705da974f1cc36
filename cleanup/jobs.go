// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/olivere/gcjob"
)

// VolumeBits locates the bits of a volume on primary storage.
type VolumeBits struct {
	PrimaryStorage string `json:"primaryStorage"`
	InstallPath    string `json:"installPath"`
	HypervisorType string `json:"hypervisorType,omitempty"`
	Folder         bool   `json:"folder,omitempty"`
	BitsID         string `json:"bitsId,omitempty"`
	BitsType       string `json:"bitsType,omitempty"`
	Host           string `json:"host,omitempty"`
}

// DeleteVolumeBits deletes volume bits once, after a delay or at a given
// time.
type DeleteVolumeBits struct {
	Bits VolumeBits `json:"bits"`
	At   time.Time  `json:"at,omitempty"`

	cleaner Cleaner
}

var (
	_ Job         = (*DeleteVolumeBits)(nil)
	_ gcjob.Timed = (*DeleteVolumeBits)(nil)
)

// NewDeleteVolumeBits creates a job that deletes bits. If at is zero,
// the delay of the kind applies.
func NewDeleteVolumeBits(c Cleaner, bits VolumeBits, at time.Time) *DeleteVolumeBits {
	return &DeleteVolumeBits{Bits: bits, At: at, cleaner: c}
}

func (j *DeleteVolumeBits) Kind() string { return DeleteVolumeBitsKind }

func (j *DeleteVolumeBits) Name() string {
	return fmt.Sprintf("%s-%s-%s", DeleteVolumeBitsKind, j.Bits.PrimaryStorage, j.Bits.InstallPath)
}

// NextTime returns the time the bits should be deleted at. After a
// failed attempt, the delay of the kind applies.
func (j *DeleteVolumeBits) NextTime() time.Time {
	if time.Now().After(j.At) {
		return time.Time{}
	}
	return j.At
}

func (j *DeleteVolumeBits) TriggerNow(ctx context.Context, c gcjob.Completion) {
	report(c, j.cleaner.DeleteVolumeBits(ctx, j.Bits))
}

func (j *DeleteVolumeBits) Snapshot() ([]byte, error) { return json.Marshal(j) }

// OrphanVolumeScan deletes orphan volumes on a target until none are
// left.
type OrphanVolumeScan struct {
	Count  int    `json:"count"`  // scans since the job was saved or resumed, not persisted
	Target string `json:"target"` // primary storage to scan

	cleaner Cleaner
}

var _ Job = (*OrphanVolumeScan)(nil)

// NewOrphanVolumeScan creates a scan of target.
func NewOrphanVolumeScan(c Cleaner, target string) *OrphanVolumeScan {
	return &OrphanVolumeScan{Target: target, cleaner: c}
}

func (j *OrphanVolumeScan) Kind() string { return OrphanVolumeScanKind }

func (j *OrphanVolumeScan) Name() string { return OrphanVolumeScanKind + "-" + j.Target }

func (j *OrphanVolumeScan) TriggerNow(ctx context.Context, c gcjob.Completion) {
	j.Count++
	left, err := j.cleaner.ScanOrphanVolumes(ctx, j.Target)
	if err == nil && left > 0 {
		err = errors.Errorf("cleanup: %d orphan volumes left on %s", left, j.Target)
	}
	report(c, err)
}

func (j *OrphanVolumeScan) Snapshot() ([]byte, error) { return json.Marshal(j) }

// HostReconnect releases the resources of a host when it reconnects.
type HostReconnect struct {
	Host string `json:"host"`

	cleaner Cleaner
}

var (
	_ Job               = (*HostReconnect)(nil)
	_ gcjob.EventFilter = (*HostReconnect)(nil)
)

// NewHostReconnect creates a job that waits for host.
func NewHostReconnect(c Cleaner, host string) *HostReconnect {
	return &HostReconnect{Host: host, cleaner: c}
}

func (j *HostReconnect) Kind() string { return HostReconnectKind }

func (j *HostReconnect) Name() string { return HostReconnectKind + "-" + j.Host }

// Accept returns true for events of the host of the job.
func (j *HostReconnect) Accept(e gcjob.Event) bool {
	return e.Metadata["host"] == j.Host
}

func (j *HostReconnect) TriggerNow(ctx context.Context, c gcjob.Completion) {
	report(c, j.cleaner.ReleaseHost(ctx, j.Host))
}

func (j *HostReconnect) Snapshot() ([]byte, error) { return json.Marshal(j) }

// PublishHostConnected notifies jobs that host has reconnected.
func PublishHostConnected(m *gcjob.Manager, host string) error {
	return m.Publish(TopicHostConnected, nil, map[string]string{"host": host})
}
