// Package model holds the training-stage contract and a baseline in-repo
// trainer so the pipeline runs end to end without an external model service.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/flathunt/pipeline/internal/combine"
)

// Handle is the opaque artifact reference handed to the dashboard. Created
// by the training stage and never mutated; retraining produces a new file.
type Handle struct {
	Path          string  `json:"path"`
	ValidationMAE float64 `json:"validation_mae"`
}

// TrainRequest carries the inputs the orchestrator hands to a trainer.
type TrainRequest struct {
	Table        *combine.Table
	Features     []string
	Target       string
	ArtifactPath string
}

// Trainer is the model-training black box.
type Trainer interface {
	Fit(ctx context.Context, req TrainRequest) (Handle, error)
}

// ErrNoTrainingData reports a table with no usable rows for the target.
var ErrNoTrainingData = errors.New("no rows with target and area available")

// Baseline predicts price as area times the mean observed price per square
// meter. It exists to validate the pipeline handoff, not to be a good model.
type Baseline struct{}

type baselineArtifact struct {
	Type          string    `json:"type"`
	PricePerM2    float64   `json:"price_per_m2"`
	Rows          int       `json:"rows"`
	ValidationMAE float64   `json:"validation_mae"`
	TrainedAt     time.Time `json:"trained_at"`
	Run           string    `json:"run"`
}

func (Baseline) Fit(_ context.Context, req TrainRequest) (Handle, error) {
	var sum float64
	var n int
	for _, row := range req.Table.Rows {
		if row.PriceZL > 0 && row.AreaM2 > 0 {
			sum += row.PriceZL / row.AreaM2
			n++
		}
	}
	if n == 0 {
		return Handle{}, ErrNoTrainingData
	}
	perM2 := sum / float64(n)

	var absErr float64
	for _, row := range req.Table.Rows {
		if row.PriceZL > 0 && row.AreaM2 > 0 {
			absErr += math.Abs(row.PriceZL - perM2*row.AreaM2)
		}
	}
	mae := absErr / float64(n)

	artifact := baselineArtifact{
		Type:          "baseline_price_per_m2",
		PricePerM2:    perM2,
		Rows:          n,
		ValidationMAE: mae,
		TrainedAt:     time.Now().UTC(),
		Run:           req.Table.Run.Key(),
	}
	b, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return Handle{}, err
	}
	if err := os.WriteFile(req.ArtifactPath, append(b, '\n'), 0o644); err != nil {
		return Handle{}, fmt.Errorf("write model artifact: %w", err)
	}
	return Handle{Path: req.ArtifactPath, ValidationMAE: mae}, nil
}

// Predict applies a persisted baseline artifact to an area value.
func Predict(artifactPath string, areaM2 float64) (float64, error) {
	b, err := os.ReadFile(artifactPath)
	if err != nil {
		return 0, err
	}
	var a baselineArtifact
	if err := json.Unmarshal(b, &a); err != nil {
		return 0, fmt.Errorf("parse model artifact: %w", err)
	}
	return a.PricePerM2 * areaM2, nil
}
