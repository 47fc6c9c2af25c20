// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import (
	"context"

	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// detectorCapability adapts one prediction kind of the detector backend
// to the Capability contract.
type detectorCapability struct {
	kind   datatypes.PredictionType
	client detector.Client
}

// NewDetectorCapability wraps the detector client as the capability for
// the given prediction kind.
func NewDetectorCapability(kind datatypes.PredictionType, client detector.Client) Capability {
	return &detectorCapability{kind: kind, client: client}
}

// AllDetectorCapabilities returns one capability per known prediction
// kind, all backed by the same client.
func AllDetectorCapabilities(client detector.Client) []Capability {
	kinds := []datatypes.PredictionType{
		datatypes.PredictionVulnerability,
		datatypes.PredictionExploit,
		datatypes.PredictionPatch,
		datatypes.PredictionRisk,
		datatypes.PredictionSimilarity,
	}
	capabilities := make([]Capability, 0, len(kinds))
	for _, k := range kinds {
		capabilities = append(capabilities, NewDetectorCapability(k, client))
	}
	return capabilities
}

func (c *detectorCapability) Kind() datatypes.PredictionType { return c.kind }

func (c *detectorCapability) Invoke(ctx context.Context, features map[string]any) ([]datatypes.Finding, error) {
	results, err := c.client.Predict(ctx, c.kind, []map[string]any{features})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (c *detectorCapability) InvokeBatch(ctx context.Context, features []map[string]any) ([][]datatypes.Finding, error) {
	return c.client.Predict(ctx, c.kind, features)
}

var _ Capability = (*detectorCapability)(nil)
