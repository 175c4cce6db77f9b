package report

import (
	"context"
	"log"
	"time"

	"voicetime/internal/classify"
	"voicetime/internal/models"
)

// RosterProvider supplies the current members holding a group.
type RosterProvider interface {
	Roster(ctx context.Context, groupName string) ([]models.Member, error)
}

// Renderer receives classification results. All user-facing formatting lives
// behind this interface; the scheduler emits no text of its own.
type Renderer interface {
	RenderReport(ctx context.Context, result classify.Result) error
}

// Scheduler runs the classifier for every tracked group on a fixed period and
// hands each result to the renderer. Errors are logged and never stop the
// cycle.
type Scheduler struct {
	classifier *classify.Classifier
	roster     RosterProvider
	renderer   Renderer
	groups     []string
	period     time.Duration
}

// New creates a report scheduler.
func New(classifier *classify.Classifier, roster RosterProvider, renderer Renderer, groups []string, period time.Duration) *Scheduler {
	return &Scheduler{
		classifier: classifier,
		roster:     roster,
		renderer:   renderer,
		groups:     groups,
		period:     period,
	}
}

// Run drives the report cycle until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.groups) == 0 || s.period <= 0 {
		return
	}
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnce produces one report cycle immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	for _, group := range s.groups {
		roster, err := s.roster.Roster(ctx, group)
		if err != nil {
			log.Printf("report: roster lookup failed for %s: %v", group, err)
			continue
		}
		result, err := s.classifier.Classify(ctx, group, roster, nil)
		if err != nil {
			log.Printf("report: classification failed for %s: %v", group, err)
			continue
		}
		if err := s.renderer.RenderReport(ctx, result); err != nil {
			log.Printf("report: render failed for %s: %v", group, err)
		}
	}
}
