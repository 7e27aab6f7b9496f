package exclusion

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorhill/cronexpr"
)

// Policy answers exclusion checks from static rules plus an optional
// runtime source. Refreshes swap the compiled set atomically.
type Policy struct {
	static []Rule
	source Source
	set    atomic.Pointer[RuleSet]
	logger *log.Logger
	now    func() time.Time
}

// NewPolicy compiles the static rules. source may be nil.
func NewPolicy(static []Rule, source Source, logger *log.Logger) (*Policy, error) {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "EXCLUSION"})
	}
	set, err := NewRuleSet(static)
	if err != nil {
		return nil, err
	}
	p := &Policy{static: static, source: source, logger: logger, now: time.Now}
	p.set.Store(set)
	return p, nil
}

// Blocked reports whether rawURL may not be replayed.
func (p *Policy) Blocked(ctx context.Context, rawURL string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.set.Load().Blocks(rawURL), nil
}

// Rules returns the number of active rules.
func (p *Policy) Rules() int { return p.set.Load().Len() }

// Refresh reloads the runtime source. On error the previous set stays active.
func (p *Policy) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	dynamic, err := p.source.LoadRules(ctx)
	if err != nil {
		return err
	}
	all := make([]Rule, 0, len(p.static)+len(dynamic))
	all = append(all, p.static...)
	all = append(all, dynamic...)
	set, err := NewRuleSet(all)
	if err != nil {
		return err
	}
	p.set.Store(set)
	p.logger.Info("exclusions refreshed", "rules", set.Len())
	return nil
}

// Run refreshes on the cron schedule until ctx is done. Standard 5-field
// expressions and the @hourly/@daily shorthands are accepted.
func (p *Policy) Run(ctx context.Context, cronSpec string) error {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return fmt.Errorf("exclusion schedule %q: %w", cronSpec, err)
	}
	for {
		next := expr.Next(p.now())
		if next.IsZero() {
			return fmt.Errorf("exclusion schedule %q never fires", cronSpec)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("exclusion refresh failed", "err", err)
			}
		}
	}
}
