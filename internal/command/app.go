package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"arena/internal/config"
	"arena/internal/coordinator"
	"arena/internal/db"
	"arena/internal/evaluation"
	"arena/internal/store"
)

// Service is the session surface the CLI drives. The coordinator
// satisfies it.
type Service interface {
	Start(ctx context.Context, p coordinator.StartParams) (string, error)
	Cancel(id string) error
	Pause(id string) error
	Resume(ctx context.Context, id string) error
	SendChat(sessionID string, instanceID *int, role store.Role, content string) (db.ChatMessage, error)
	EvaluateCompetition(id string) (evaluation.Result, error)
	Get(id string) (store.SessionRecord, error)
	List(f store.ListFilter) ([]db.Session, error)
	Search(query string, limit int) ([]store.SearchHit, error)
	Health() (store.Report, error)
	Await(ctx context.Context, id string, poll time.Duration) (db.Session, error)
}

// Deps are injected by main and by tests.
type Deps struct {
	LoadConfig  func() (config.Config, error)
	RunServe    func(context.Context, config.Config) error
	WithService func(ctx context.Context, cfg config.Config, fn func(Service) error) error
	Out         io.Writer
}

func BuildApp(deps Deps) *cli.App {
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	return &cli.App{
		Name:  "arenad",
		Usage: "concurrent coding-agent session orchestrator",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the scheduler until interrupted",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(deps)
					if err != nil {
						return err
					}
					if deps.RunServe == nil {
						return errors.New("serve runner is not configured")
					}
					return deps.RunServe(ctx.Context, cfg)
				},
			},
			{
				Name:  "start",
				Usage: "start a session and wait for it to finish",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "project root", Value: "."},
					&cli.StringFlag{Name: "type", Usage: "competition, ensemble or debate", Value: "competition"},
					&cli.StringFlag{Name: "task", Usage: "task description", Required: true},
					&cli.StringSliceFlag{Name: "mix", Usage: "runtime mix entry runtime[:model[:count]]", Required: true},
					&cli.StringFlag{Name: "model", Usage: "default model"},
					&cli.IntFlag{Name: "timeout", Usage: "per-instance timeout in seconds"},
					&cli.BoolFlag{Name: "preserve", Usage: "keep worktrees on cancel"},
					&cli.IntFlag{Name: "rounds", Usage: "debate rounds"},
				},
				Action: func(ctx *cli.Context) error {
					return withService(ctx.Context, deps, func(svc Service) error {
						p := coordinator.StartParams{
							WorkspacePath:     ctx.String("workspace"),
							Type:              store.SessionType(ctx.String("type")),
							Task:              ctx.String("task"),
							RuntimeMix:        ctx.StringSlice("mix"),
							Model:             ctx.String("model"),
							PreserveWorktrees: ctx.Bool("preserve"),
							DebateRounds:      ctx.Int("rounds"),
						}
						if t := ctx.Int("timeout"); t > 0 {
							p.TimeoutSeconds = &t
						}
						id, err := svc.Start(ctx.Context, p)
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "session %s started\n", id)
						sess, err := svc.Await(ctx.Context, id, time.Second)
						if err != nil {
							return err
						}
						printSession(out, sess)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "list sessions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workspace-hash"},
					&cli.StringFlag{Name: "status"},
					&cli.StringFlag{Name: "type"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
					&cli.BoolFlag{Name: "by-created", Usage: "sort by creation time instead of last update"},
				},
				Action: func(ctx *cli.Context) error {
					return withService(ctx.Context, deps, func(svc Service) error {
						sessions, err := svc.List(store.ListFilter{
							WorkspaceHash: ctx.String("workspace-hash"),
							Status:        store.SessionStatus(ctx.String("status")),
							Type:          store.SessionType(ctx.String("type")),
							Limit:         ctx.Int("limit"),
							Offset:        ctx.Int("offset"),
							SortByCreated: ctx.Bool("by-created"),
						})
						if err != nil {
							return err
						}
						for _, sess := range sessions {
							printSessionLine(out, sess)
						}
						return nil
					})
				},
			},
			{
				Name:      "show",
				Usage:     "show one session with instances and chat",
				ArgsUsage: "<session-id>",
				Action: func(ctx *cli.Context) error {
					id, err := requireArg(ctx, "session id")
					if err != nil {
						return err
					}
					return withService(ctx.Context, deps, func(svc Service) error {
						rec, err := svc.Get(id)
						if err != nil {
							return err
						}
						printSession(out, rec.Session)
						for _, inst := range rec.Instances {
							fmt.Fprintf(out, "  instance %d [%s] %s %s\n", inst.InstanceID, inst.Status, inst.RuntimeLabel, inst.StatusReason)
						}
						fmt.Fprintf(out, "  %d chat messages\n", len(rec.ChatHistory))
						return nil
					})
				},
			},
			{
				Name:      "search",
				Usage:     "search sessions by task text",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: func(ctx *cli.Context) error {
					query := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if query == "" {
						return errors.New("query is required")
					}
					return withService(ctx.Context, deps, func(svc Service) error {
						hits, err := svc.Search(query, ctx.Int("limit"))
						if err != nil {
							return err
						}
						for _, hit := range hits {
							fmt.Fprintf(out, "%d hits: ", hit.Hits)
							printSessionLine(out, hit.Session)
						}
						return nil
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "cancel a running session",
				ArgsUsage: "<session-id>",
				Action:    sessionAction(deps, func(ctx context.Context, svc Service, id string) error { return svc.Cancel(id) }),
			},
			{
				Name:      "pause",
				Usage:     "stop admitting new instances for a session",
				ArgsUsage: "<session-id>",
				Action:    sessionAction(deps, func(ctx context.Context, svc Service, id string) error { return svc.Pause(id) }),
			},
			{
				Name:      "resume",
				Usage:     "resume a paused session",
				ArgsUsage: "<session-id>",
				Action:    sessionAction(deps, func(ctx context.Context, svc Service, id string) error { return svc.Resume(ctx, id) }),
			},
			{
				Name:      "chat",
				Usage:     "append a chat message to a session",
				ArgsUsage: "<session-id> <content...>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "instance", Value: -1, Usage: "target instance id"},
					&cli.StringFlag{Name: "role", Value: "user"},
				},
				Action: func(ctx *cli.Context) error {
					id, err := requireArg(ctx, "session id")
					if err != nil {
						return err
					}
					content := strings.Join(ctx.Args().Tail(), " ")
					var instanceID *int
					if n := ctx.Int("instance"); n >= 0 {
						instanceID = &n
					}
					return withService(ctx.Context, deps, func(svc Service) error {
						msg, err := svc.SendChat(id, instanceID, store.Role(ctx.String("role")), content)
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "message %s appended\n", msg.ID)
						return nil
					})
				},
			},
			{
				Name:      "evaluate",
				Usage:     "score a competition session",
				ArgsUsage: "<session-id>",
				Action: func(ctx *cli.Context) error {
					id, err := requireArg(ctx, "session id")
					if err != nil {
						return err
					}
					return withService(ctx.Context, deps, func(svc Service) error {
						result, err := svc.EvaluateCompetition(id)
						if err != nil {
							return err
						}
						for _, sc := range result.Scores {
							mark := " "
							if sc.IsRecommended {
								mark = "*"
							}
							fmt.Fprintf(out, "%s #%d instance %d total=%.2f tests=%.2f complexity=%.2f efficiency=%.2f change=%.2f\n",
								mark, sc.Rank, sc.InstanceID, sc.TotalScore, sc.TestScore, sc.ComplexityScore, sc.EfficiencyScore, sc.ChangeScore)
						}
						if result.RecommendedWinnerID != nil {
							fmt.Fprintf(out, "recommended winner: instance %d\n", *result.RecommendedWinnerID)
						}
						return nil
					})
				},
			},
			{
				Name:  "db",
				Usage: "database utilities",
				Subcommands: []*cli.Command{
					{
						Name:  "check",
						Usage: "run the integrity report",
						Action: func(ctx *cli.Context) error {
							return withService(ctx.Context, deps, func(svc Service) error {
								report, err := svc.Health()
								if err != nil {
									return err
								}
								fmt.Fprintf(out, "sessions=%d instances=%d messages=%d\n", report.Sessions, report.Instances, report.Messages)
								fmt.Fprintf(out, "orphaned instances=%d orphaned messages=%d invalid statuses=%d counter drift=%d\n",
									report.OrphanedInstances, report.OrphanedMessages, report.InvalidStatuses, report.CounterDrift)
								if !report.Valid() {
									return errors.New("integrity check failed")
								}
								fmt.Fprintln(out, "ok")
								return nil
							})
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) (config.Config, error) {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.Load(config.DefaultDir())
}

func withService(ctx context.Context, deps Deps, fn func(Service) error) error {
	cfg, err := loadConfig(deps)
	if err != nil {
		return err
	}
	if deps.WithService == nil {
		return errors.New("service runner is not configured")
	}
	return deps.WithService(ctx, cfg, fn)
}

func sessionAction(deps Deps, fn func(ctx context.Context, svc Service, id string) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		id, err := requireArg(ctx, "session id")
		if err != nil {
			return err
		}
		return withService(ctx.Context, deps, func(svc Service) error {
			return fn(ctx.Context, svc, id)
		})
	}
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	v := strings.TrimSpace(ctx.Args().First())
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func printSession(out io.Writer, sess db.Session) {
	fmt.Fprintf(out, "session %s [%s] type=%s instances=%d messages=%d", sess.ID, sess.Status, sess.SessionType, sess.InstanceCount, sess.MessageCount)
	if sess.StatusReason != "" {
		fmt.Fprintf(out, " (%s)", sess.StatusReason)
	}
	fmt.Fprintln(out)
}

func printSessionLine(out io.Writer, sess db.Session) {
	task := sess.Task
	if len(task) > 60 {
		task = task[:57] + "..."
	}
	fmt.Fprintf(out, "%s  %-10s %-11s %s\n", sess.ID, sess.Status, sess.SessionType, task)
}
