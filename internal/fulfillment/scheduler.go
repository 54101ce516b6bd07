package fulfillment

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ReconcileResult summarises one sweep.
type ReconcileResult struct {
	Checked int
	Drifted []string
}

// Reconcile rewrites every cached pledged total from the log and publishes
// a snapshot for each request whose cache had drifted.
func Reconcile(ctx context.Context, db *gorm.DB, l *ledger.Ledger, n *Notifier) (ReconcileResult, error) {
	var ids []string
	if err := db.WithContext(ctx).Model(&models.Request{}).Pluck("id", &ids).Error; err != nil {
		return ReconcileResult{}, fmt.Errorf("fulfillment: reconcile: list requests: %w", err)
	}
	res := ReconcileResult{}
	for _, id := range ids {
		_, drifted, err := l.Reconcile(ctx, id)
		if err != nil {
			log.Printf("fulfillment: reconcile %s: %v", id, err)
			continue
		}
		res.Checked++
		if !drifted {
			continue
		}
		res.Drifted = append(res.Drifted, id)
		if n != nil {
			if err := n.RequestChanged(ctx, id); err != nil {
				log.Printf("fulfillment: reconcile publish %s: %v", id, err)
			}
		}
	}
	return res, nil
}

// Scheduler runs Reconcile on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler validates schedule and prepares a reconcile job.
func NewScheduler(ctx context.Context, schedule string, db *gorm.DB, l *ledger.Ledger, n *Notifier) (*Scheduler, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(func() {
		res, err := Reconcile(ctx, db, l, n)
		if err != nil {
			log.Printf("fulfillment: scheduled reconcile: %v", err)
			return
		}
		if len(res.Drifted) > 0 {
			log.Printf("fulfillment: reconciled %d of %d requests", len(res.Drifted), res.Checked)
		}
	}))
	return &Scheduler{cron: c}, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }
