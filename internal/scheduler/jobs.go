package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crowdfund/internal/model"
	"crowdfund/internal/service/escrow"
	"crowdfund/pkg/rbac"
)

// Job names.
const (
	JobFinalizeVoting    = "escrow.finalize_voting"
	JobProcessExpired    = escrow.JobProcessExpired
	JobCompleteEvents    = "events.complete_expired"
	JobCleanupUnverified = "users.cleanup_unverified"
)

// DefaultCleanupUnverifiedAfter 未验证账号保留时长
const DefaultCleanupUnverifiedAfter = 72 * time.Hour

type EscrowSweeper interface {
	FinalizeExpiredVoting(ctx context.Context, actor rbac.Actor) ([]model.WithdrawalRequest, error)
	ProcessExpiredCampaigns(ctx context.Context, actor rbac.Actor) (*escrow.SweepReport, error)
}

type EventCompleter interface {
	CompleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type UserCleaner interface {
	DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps 注册内置任务所需的依赖
type Deps struct {
	Escrow       EscrowSweeper
	Events       EventCompleter
	Users        UserCleaner
	CleanupAfter time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// RegisterDefaults 注册全部内置任务
func RegisterDefaults(s *Scheduler, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.CleanupAfter <= 0 {
		d.CleanupAfter = DefaultCleanupUnverifiedAfter
	}
	system := rbac.System()

	s.Register(Job{
		Name:  JobFinalizeVoting,
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			_, err := d.Escrow.FinalizeExpiredVoting(ctx, system)
			return err
		},
	})

	s.Register(Job{
		Name:  JobProcessExpired,
		Every: 24 * time.Hour,
		Run: func(ctx context.Context) error {
			report, err := d.Escrow.ProcessExpiredCampaigns(ctx, system)
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d expired campaigns failed", report.Failed, report.Processed)
			}
			return nil
		},
	})

	s.Register(Job{
		Name:  JobCompleteEvents,
		Every: 24 * time.Hour,
		Run: func(ctx context.Context) error {
			n, err := d.Events.CompleteExpired(ctx, d.Now())
			if err != nil {
				return err
			}
			d.Logger.Info("Expired events completed", zap.Int64("count", n))
			return nil
		},
	})

	s.Register(Job{
		Name:  JobCleanupUnverified,
		Every: 6 * time.Hour,
		Run: func(ctx context.Context) error {
			n, err := d.Users.DeleteUnverifiedBefore(ctx, d.Now().Add(-d.CleanupAfter))
			if err != nil {
				return err
			}
			d.Logger.Info("Unverified users removed", zap.Int64("count", n))
			return nil
		},
	})
}
