package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/errors"
)

// simulatedStepDelay paces the built-in pipeline when no commands are configured
const simulatedStepDelay = 2 * time.Second

// Set holds the collaborators the handlers and schedulers are wired with
type Set struct {
	Shorts     Generator
	Longform   Generator
	Publisher  Publisher
	Backfiller Backfiller
}

// FromConfig builds the collaborators. A configured command always wins; an
// empty one falls back to the simulation when pipeline.simulate is set and is
// an error otherwise.
func FromConfig(cfg am.PipelineConfig, log *zap.SugaredLogger) (*Set, error) {
	log = log.Named("pipeline")
	var sim *Simulated
	simulated := func() *Simulated {
		if sim == nil {
			sim = NewSimulated(simulatedStepDelay)
		}
		return sim
	}
	missing := func(key string) error {
		return errors.WithHint(
			errors.Newf("pipeline.%s is not set", key),
			"configure the command or set pipeline.simulate = true")
	}

	set := &Set{}

	switch {
	case cfg.GenerateCommand != "":
		g, err := NewCommandGenerator(cfg.GenerateCommand, log)
		if err != nil {
			return nil, errors.Wrap(err, "pipeline.generate_command")
		}
		set.Shorts = g
	case cfg.Simulate:
		set.Shorts = simulated()
	default:
		return nil, missing("generate_command")
	}

	switch {
	case cfg.LongformCommand != "":
		g, err := NewCommandGenerator(cfg.LongformCommand, log)
		if err != nil {
			return nil, errors.Wrap(err, "pipeline.longform_command")
		}
		set.Longform = g
	case cfg.Simulate:
		set.Longform = simulated()
	default:
		// Long-form falls back to the short-form generator; the request carries the kind
		set.Longform = set.Shorts
	}

	switch {
	case cfg.UploadCommand != "":
		p, err := NewCommandPublisher(cfg.UploadCommand, cfg.CommittedDatesCommand, log)
		if err != nil {
			return nil, errors.Wrap(err, "pipeline.upload_command")
		}
		set.Publisher = p
	case cfg.Simulate:
		set.Publisher = simulated()
	default:
		return nil, missing("upload_command")
	}

	switch {
	case cfg.BackfillCommand != "":
		b, err := NewCommandBackfiller(cfg.BackfillCommand, log)
		if err != nil {
			return nil, errors.Wrap(err, "pipeline.backfill_command")
		}
		set.Backfiller = b
	case cfg.Simulate:
		set.Backfiller = simulated()
	default:
		return nil, missing("backfill_command")
	}

	if sim != nil {
		log.Infow("Using simulated pipeline", "step_delay", simulatedStepDelay)
	}
	return set, nil
}
