package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"quiz-sync-relay/internal/client"
	"quiz-sync-relay/internal/config"
	"quiz-sync-relay/internal/domain"
	pgstore "quiz-sync-relay/internal/infra/postgres"
	"quiz-sync-relay/internal/infra/sqlite"
)

// profile is an opened local client: its store, session and relay client.
type profile struct {
	store   *sqlite.KVStore
	session *client.Session
	relay   *client.RelayClient
	pool    *pgxpool.Pool
}

func openProfile(ctx context.Context, cfg config.Config, username string) (*profile, error) {
	storeCfg := sqlite.DefaultConfig()
	if cfg.Client.DBPath != "" {
		storeCfg.Path = cfg.Client.DBPath
	}
	if cfg.Client.Quota > 0 {
		storeCfg.Quota = cfg.Client.Quota
	}
	store, err := sqlite.Open(storeCfg)
	if err != nil {
		return nil, err
	}

	if username == "" {
		username = cfg.Client.Username
	}
	if username == "" {
		username, err = client.CurrentUsername(ctx, store)
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	if username == "" {
		recent, rerr := client.RecentUsernames(ctx, store)
		store.Close()
		if rerr != nil || len(recent) == 0 {
			return nil, fmt.Errorf("%w: pass --user", domain.ErrNoUsername)
		}
		return nil, fmt.Errorf("%w: pass --user (recent: %s)", domain.ErrNoUsername, strings.Join(recent, ", "))
	}
	session, err := client.OpenSession(ctx, store, username, nil)
	if err != nil {
		store.Close()
		return nil, err
	}

	p := &profile{store: store, session: session}
	var fallback client.DirectStore
	if cfg.Postgres.URL != "" {
		p.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			log.Warn().Err(err).Msg("direct store unavailable, relay only")
		} else {
			fallback = pgstore.NewAnswerStore(p.pool)
		}
	}
	relayURL := cfg.Client.RelayURL
	if relayURL == "" {
		relayURL = "http://localhost:8080"
	}
	p.relay = client.NewRelayClient(relayURL, nil, fallback)
	return p, nil
}

// logRecentUsernames lists the identities used on this device.
func (p *profile) logRecentUsernames(ctx context.Context) {
	recent, err := client.RecentUsernames(ctx, p.store)
	if err != nil {
		log.Debug().Err(err).Msg("recent usernames unreadable")
		return
	}
	log.Info().Str("username", p.session.Username()).Strs("recent", recent).Msg("profile opened")
}

func (p *profile) Close(ctx context.Context) error {
	err := p.session.Close(ctx)
	if p.pool != nil {
		p.pool.Close()
	}
	return errors.Join(err, p.store.Close())
}

// pull fetches every peer answer and merges it into the local dataset.
func (p *profile) pull(ctx context.Context) ([]domain.AnswerRecord, error) {
	recs, err := p.relay.PullPeerData(ctx, 0)
	if err != nil {
		return nil, err
	}
	updated, notice, err := p.session.ApplyPeerRecords(ctx, recs)
	if err != nil {
		return nil, err
	}
	if notice != nil {
		log.Warn().Msg(notice.Message)
	}
	log.Info().Int("records", len(recs)).Int("updated", updated).Msg("peer data pulled")
	return recs, nil
}

// warnNotice surfaces a persistence notice, typically a quota warning.
func warnNotice(n *domain.Notice) {
	if n != nil {
		log.Warn().Msg(n.Message)
	}
}

func logNotice(n domain.Notice) error {
	switch n.Level {
	case domain.NoticeFailure:
		return errors.New(n.Message)
	case domain.NoticeInfo:
		log.Warn().Msg(n.Message)
	default:
		log.Info().Msg(n.Message)
	}
	return nil
}

// NewImportCmd merges a backup file into the local profile.
func NewImportCmd(configPath *string) *cobra.Command {
	var username, target string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a personal or master backup into the local profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			res, notice := p.session.Import(ctx, data, target)
			log.Info().
				Str("shape", res.Shape.String()).
				Strs("users", res.Users).
				Int("skipped", res.Report.Skipped).
				Msg("import finished")
			return logNotice(notice)
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	cmd.Flags().StringVar(&target, "restore", "", "restore only this user from a master backup")
	return cmd
}

// NewExportCmd writes a personal or master backup of the local profile.
func NewExportCmd(configPath *string) *cobra.Command {
	var username, out string
	var master bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the local profile as a backup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			var data []byte
			if master {
				data, err = p.session.ExportMaster(ctx)
			} else {
				data, err = p.session.ExportPersonal()
			}
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	cmd.Flags().BoolVar(&master, "master", false, "export every user on this device")
	return cmd
}

// NewPullCmd performs a one-shot peer pull and prints sync diagnostics.
func NewPullCmd(configPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull peer answers from the relay into the local profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			recs, err := p.pull(ctx)
			if err != nil {
				return err
			}
			rep := p.session.Diagnostics(recs)
			log.Info().
				Int("local_answers", rep.LocalAnswers).
				Int("local_users", rep.LocalUsers).
				Int("remote_answers", rep.RemoteAnswers).
				Int("remote_users", rep.RemoteUsers).
				Str("status", string(rep.Status)).
				Msg("sync diagnostics")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	return cmd
}

// NewWatchCmd keeps the realtime bridge open and merges peer events.
func NewWatchCmd(configPath *string) *cobra.Command {
	var username, question string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow realtime peer updates from the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(context.Background())
			p.logRecentUsernames(ctx)

			if _, err := p.pull(ctx); err != nil {
				log.Warn().Err(err).Msg("initial pull failed")
			}

			if health, err := p.relay.Health(ctx); err != nil {
				log.Warn().Err(err).Msg("relay unhealthy, running in degraded mode")
			} else {
				log.Info().Str("status", health.Status).Str("cache", health.Cache).Int("connections", health.Connections).Msg("relay reachable")
			}

			relayURL := cfg.Client.RelayURL
			if relayURL == "" {
				relayURL = "http://localhost:8080"
			}
			bridge := client.NewBridge(client.BridgeConfig{URL: client.WebsocketURL(relayURL)}, nil, nil, client.BridgeHandlers{
				OnAnswer: func(rec domain.AnswerRecord) {
					if _, _, err := p.session.ApplyPeerRecords(ctx, []domain.AnswerRecord{rec}); err != nil {
						log.Error().Err(err).Msg("apply peer answer")
					}
				},
				OnBatch: func(int) {
					if _, err := p.pull(ctx); err != nil {
						log.Warn().Err(err).Msg("pull after batch failed")
					}
				},
				OnRealtime: func(event string, data json.RawMessage) {
					log.Info().Str("event", event).RawJSON("data", data).Msg("realtime update")
				},
			})
			defer bridge.Close()

			if err := bridge.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("relay not reachable yet, retrying in background")
			}
			if question != "" {
				if err := bridge.Subscribe(question); err != nil {
					log.Debug().Err(err).Msg("subscribe deferred")
				}
				notice, err := p.session.SetActivity(ctx, domain.ActivityViewing, question)
				if err != nil {
					log.Warn().Err(err).Msg("record activity")
				}
				warnNotice(notice)
			}

			<-ctx.Done()
			log.Info().Msg("stopping watch")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	cmd.Flags().StringVar(&question, "question", "", "question id to subscribe to")
	return cmd
}

// NewAnswerCmd records an answer locally and submits it to the relay. The
// local copy is kept when the relay and direct store are both unreachable.
func NewAnswerCmd(configPath *string) *cobra.Command {
	var username, reason string
	cmd := &cobra.Command{
		Use:   "answer <questionId> <value>",
		Short: "Record an answer and submit it to the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			rec, notice, err := p.session.RecordAnswer(ctx, args[0], args[1], reason)
			if err != nil {
				return err
			}
			warnNotice(notice)

			out, err := p.relay.SubmitAnswer(ctx, rec)
			if err != nil {
				log.Warn().Err(err).Str("question_id", rec.QuestionID).Msg("answer kept locally, run push when the relay is back")
				return nil
			}
			log.Info().
				Str("question_id", rec.QuestionID).
				Bool("via_relay", out.ViaRelay).
				Int("broadcast", out.Broadcast).
				Msg("answer submitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	cmd.Flags().StringVar(&reason, "reason", "", "explanation stored with the answer")
	return cmd
}

// NewPushCmd resubmits every local answer of the user in one batch.
func NewPushCmd(configPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Submit all local answers to the relay in one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			recs := p.session.AnswerRecords()
			out, err := p.relay.BatchSubmit(ctx, recs)
			if err != nil {
				return err
			}
			log.Info().Int("count", out.Count).Bool("via_relay", out.ViaRelay).Msg("answers pushed")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	return cmd
}

// NewProgressCmd raises a progress metric of the local user.
func NewProgressCmd(configPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "progress <key> <value>",
		Short: "Record a progress metric for the local user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("progress value %q: %w", args[1], err)
			}
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			notice, err := p.session.SetProgress(ctx, args[0], value)
			if err != nil {
				return err
			}
			warnNotice(notice)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	return cmd
}

// NewBadgeCmd awards a badge to the local user.
func NewBadgeCmd(configPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "badge <id>",
		Short: "Award a badge to the local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadOptional(*configPath)
			if err != nil {
				return err
			}
			p, err := openProfile(ctx, cfg, username)
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			notice, err := p.session.AwardBadge(ctx, args[0])
			if err != nil {
				return err
			}
			warnNotice(notice)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "local identity (defaults to the last one used)")
	return cmd
}
