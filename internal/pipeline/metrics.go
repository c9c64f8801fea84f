package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/thebtf/loremonger/internal/credentials"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/transcription"
)

const meterName = "github.com/thebtf/loremonger/internal/pipeline"

type metrics struct {
	runs  metric.Int64Counter
	stage metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	runs, err := meter.Int64Counter("pipeline.runs",
		metric.WithDescription("Pipeline runs by outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create pipeline.runs counter")
		runs = noop.Int64Counter{}
	}
	stage, err := meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create pipeline.stage.duration histogram")
		stage = noop.Float64Histogram{}
	}
	return &metrics{runs: runs, stage: stage}
}

func (m *metrics) recordStage(ctx context.Context, s State, d time.Duration) {
	m.stage.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", string(s))))
}

func (m *metrics) recordRun(ctx context.Context, err error, d time.Duration) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", Outcome(err)),
	))
	m.stage.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", "total")))
}

// Outcome classifies a run error for metrics and API responses.
func Outcome(err error) string {
	var (
		validation *ValidationError
		write      *FileWriteError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRunInProgress):
		return "busy"
	case errors.As(err, &validation):
		return "validation"
	case errors.Is(err, media.ErrMediaPreparation):
		return "media"
	case errors.Is(err, transcription.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, credentials.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, transcription.ErrTranscriptionProvider):
		return "transcription"
	case errors.Is(err, ErrNoteGenerationAbsent):
		return "notes_absent"
	case errors.As(err, &write):
		return "file_write"
	}
	return "error"
}
