package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/engine"
	"github.com/zulandar/signalbox/internal/escalation"
	"github.com/zulandar/signalbox/internal/merge"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/review"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/validator"
	"github.com/zulandar/signalbox/internal/worker"
)

// connectFromConfig loads the config and opens the configured store backend.
func connectFromConfig(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var conn *gorm.DB
	switch cfg.Store.Backend {
	case "sqlite":
		conn, err = db.ConnectSQLite(cfg.Store.Path)
	case "mysql":
		conn, err = db.ConnectMySQL(cfg.Store.Host, cfg.Store.Port, cfg.Store.Database)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, store.New(conn), nil
}

func buildDispatcher(cfg *config.Config) *worker.SubprocessDispatcher {
	return &worker.SubprocessDispatcher{
		Commands: worker.Commands{
			Implement: cfg.Workers.Implement,
			Verify:    cfg.Workers.Verify,
			Review:    cfg.Workers.Review,
			Merge:     cfg.Workers.Merge,
			Validate:  cfg.Workers.Validate,
		},
		Timeout: cfg.Workers.Timeout.Std(),
	}
}

// buildNotifier wires the configured delivery channels. A channel that fails
// to construct is logged and skipped; persistence never depends on delivery.
func buildNotifier(cfg *config.Config, st *store.Store) *notify.Sender {
	var deliverers []notify.Deliverer

	if cfg.Notify.Slack.Token != "" {
		d, err := notify.NewSlack(notify.SlackOpts{
			BotToken:  cfg.Notify.Slack.Token,
			ChannelID: cfg.Notify.Slack.Channel,
		})
		if err != nil {
			log.Printf("sb: slack notifications disabled: %v", err)
		} else {
			deliverers = append(deliverers, d)
		}
	}
	if cfg.Notify.Discord.Token != "" {
		d, err := notify.NewDiscord(notify.DiscordOpts{
			BotToken:  cfg.Notify.Discord.Token,
			ChannelID: cfg.Notify.Discord.Channel,
		})
		if err != nil {
			log.Printf("sb: discord notifications disabled: %v", err)
		} else {
			deliverers = append(deliverers, d)
		}
	}

	return notify.NewSender(st.DB(), deliverers...)
}

// buildEngine assembles the full pipeline from config.
func buildEngine(ctx context.Context, cfg *config.Config, st *store.Store, out io.Writer) *engine.Engine {
	dispatcher := buildDispatcher(cfg)
	notifier := buildNotifier(cfg, st)
	policy := escalation.NewPolicy(cfg.Escalation.MaxTier, cfg.Escalation.StagnationLimit)

	var poller *merge.CIPoller
	if cfg.CI.Enabled {
		poller = &merge.CIPoller{
			Checker:  merge.NewGitHubChecker(ctx, cfg.CI.Token),
			Owner:    cfg.CI.Owner,
			Repo:     cfg.CI.Repo,
			Interval: cfg.CI.PollInterval.Std(),
			MaxPolls: cfg.CI.MaxPolls,
		}
	}

	return &engine.Engine{
		Store: st,
		Review: &review.Controller{
			Store:            st,
			Dispatcher:       dispatcher,
			Notifier:         notifier,
			Policy:           policy,
			TokenBudget:      cfg.Workers.TokenBudget,
			VerifyRetryLimit: cfg.Escalation.VerifyRetryLimit,
			Out:              out,
		},
		Merge: &merge.Coordinator{
			Store:        st,
			Dispatcher:   dispatcher,
			Notifier:     notifier,
			Policy:       policy,
			Poller:       poller,
			TargetBranch: cfg.TargetBranch,
			Out:          out,
		},
		Sessions: &session.Manager{
			Store: st,
			Gate: &validator.Gate{
				Store:      st,
				Dispatcher: dispatcher,
				Notifier:   notifier,
				Out:        out,
			},
			Out: out,
		},
		PoolSize:      cfg.Pool.MaxParallelGroups,
		SweepSchedule: cfg.SweepSchedule,
		Out:           out,
	}
}
