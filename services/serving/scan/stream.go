// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scan

import (
	"context"
	"time"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// DefaultPollInterval is the stream's job-state polling period.
const DefaultPollInterval = 500 * time.Millisecond

// StreamResults returns a lazy event sequence for one scan: result
// events for each target in order, progress events as the ratio moves,
// and a final completed event once the job reaches a terminal state.
//
// Each call restarts from the first result; a consumer cannot rewind
// mid-stream but may drop the channel and call again. The channel is
// closed after the completed event, or when ctx is done.
func (e *Engine) StreamResults(ctx context.Context, scanID string, pollInterval time.Duration) (<-chan datatypes.ScanEvent, error) {
	if _, err := e.state(scanID); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	events := make(chan datatypes.ScanEvent)
	go e.streamLoop(ctx, scanID, pollInterval, events)
	return events, nil
}

func (e *Engine) streamLoop(ctx context.Context, scanID string, pollInterval time.Duration, events chan<- datatypes.ScanEvent) {
	defer close(events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sent := 0            // results already emitted
	lastProgress := -1.0 // last progress ratio emitted

	emit := func(ev datatypes.ScanEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		job, err := e.GetScan(scanID)
		if err != nil {
			// Evicted mid-stream: nothing more to say.
			return
		}

		for sent < len(job.Results) {
			result := job.Results[sent]
			if !emit(datatypes.ScanEvent{
				Type:      datatypes.ScanEventResult,
				ScanID:    scanID,
				Result:    &result,
				CreatedAt: e.now().UnixMilli(),
			}) {
				return
			}
			sent++
		}

		if job.Progress != lastProgress && !job.Status.Terminal() {
			lastProgress = job.Progress
			if !emit(datatypes.ScanEvent{
				Type:      datatypes.ScanEventProgress,
				ScanID:    scanID,
				Status:    job.Status,
				Progress:  job.Progress,
				CreatedAt: e.now().UnixMilli(),
			}) {
				return
			}
		}

		if job.Status.Terminal() {
			emit(datatypes.ScanEvent{
				Type:      datatypes.ScanEventCompleted,
				ScanID:    scanID,
				Status:    job.Status,
				Progress:  job.Progress,
				CreatedAt: e.now().UnixMilli(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
