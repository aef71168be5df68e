package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devblac/event-watcher/internal/sink"
	"github.com/devblac/event-watcher/internal/source/evm"
)

// Target is a named sink an occurrence is fanned out to.
type Target struct {
	ID     string
	Sender sink.Sender
}

// Dispatcher filters occurrences by predicates and forwards matches to sinks.
type Dispatcher struct {
	watcherID string
	preds     []Predicate
	targets   []Target
	dryRun    bool
	log       *slog.Logger
}

// NewDispatcher compiles where and returns a dispatcher for one watcher.
func NewDispatcher(watcherID string, where []string, targets []Target, dryRun bool, log *slog.Logger) (*Dispatcher, error) {
	preds, err := CompilePredicates(where)
	if err != nil {
		return nil, fmt.Errorf("watcher %s predicates: %w", watcherID, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		watcherID: watcherID,
		preds:     preds,
		targets:   targets,
		dryRun:    dryRun,
		log:       log,
	}, nil
}

// Handle is a watcher.Handler. Every sink is attempted; failures are joined.
func (d *Dispatcher) Handle(ctx context.Context, occ evm.Occurrence) error {
	pass, err := allPredicates(d.preds, occ.ArgMap())
	if err != nil {
		return fmt.Errorf("evaluate predicates: %w", err)
	}
	if !pass {
		d.log.Debug("occurrence filtered", "watcher", d.watcherID, "block", occ.BlockNumber, "log_index", occ.LogIndex)
		return nil
	}
	payload := sink.FromOccurrence(d.watcherID, occ)
	if d.dryRun {
		d.log.Info("dry run match", "watcher", d.watcherID, "name", payload.Event, "args", payload.ArgString(), "block", payload.Height)
		return nil
	}

	var errs []error
	for _, t := range d.targets {
		if t.Sender == nil {
			continue
		}
		if err := t.Sender.Send(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
