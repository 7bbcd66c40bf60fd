package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"plixmap/api/internal/client/autosave"
	"plixmap/api/internal/client/chat"
	"plixmap/api/internal/client/coordinator"
	"plixmap/api/internal/client/docstore"
	"plixmap/api/internal/client/registry"
	"plixmap/api/internal/client/transport"
	"plixmap/api/internal/rbac"
)

var watchWrite bool

// watchCmd runs the full client core against a server: realtime transport,
// presence registry, lock coordinator, chat book and autosave pipeline.
var watchCmd = &cobra.Command{
	Use:   "watch [planId]",
	Short: "Follow presence, lock negotiation and chat in real time",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := c.Session(ctx)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		log := newLogger(cmd.ErrOrStderr())
		p := &printer{w: cmd.OutOrStdout(), json: jsonOutput}

		docs := docstore.New()
		state, err := loadOrSeed(ctx, c)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		docs.Load(state)
		pipeline := autosave.New(autosave.Options{
			Store:    docs,
			Saver:    c,
			Elevated: rbac.Elevated(rbac.Normalize(sess.Role)),
			Debounce: cfg.Client.AutosaveDebounce,
			Logger:   log,
		})
		pipeline.Start()
		defer pipeline.Close()

		tr := transport.New(transport.Options{
			BaseURL:        cfg.Client.APIURL,
			Tokens:         c,
			ReconnectDelay: cfg.Client.ReconnectDelay,
			Logger:         log,
		})
		reg := registry.New(log)
		coord := coordinator.New(coordinator.Options{
			ActorID:  sess.UserID,
			API:      c,
			Registry: reg,
			Sender:   tr,
			Flusher:  pipeline,
			Discard: func(ctx context.Context, _ string) error {
				fresh, err := c.LoadState(ctx)
				if err != nil {
					return err
				}
				docs.Load(fresh)
				return nil
			},
			Notifier: coordinator.NotifierFunc(p.notice),
			Logger:   log,
		})
		defer coord.Close()
		coord.Bind(tr)

		book := chat.New(chat.Options{SelfID: sess.UserID, Sender: tr, Toast: p.toast, Logger: log})
		defer book.Close()
		book.Bind(tr)

		var planID string
		if len(args) == 1 {
			planID = args[0]
			docs.SetActivePlan(planID)
		}
		coord.Subscribe(func(ch coordinator.Change) {
			p.change(ch)
			if ch.DocumentID == planID && watchWrite && (ch.To == coordinator.Unlocked || ch.To == coordinator.ReservedForMe) {
				go func() {
					if _, err := coord.Open(ctx, planID, true); err != nil {
						log.Debug().Err(err).Str("document_id", planID).Msg("acquire on watch failed")
					}
				}()
			}
		})

		tr.Start()
		defer tr.Close()
		if planID != "" {
			if _, err := coord.Open(ctx, planID, false); err != nil {
				return err
			}
		}
		p.line(map[string]any{"event": "watching", "userId": sess.UserID, "planId": planID},
			"watching as %s%s, Ctrl-C to stop", sess.UserID, planSuffix(planID))

		<-ctx.Done()
		stats := pipeline.Stats()
		p.line(map[string]any{"event": "stopped", "saves": stats.Saves, "failures": stats.Failures},
			"stopped after %d save(s), %d failure(s)", stats.Saves, stats.Failures)
		return nil
	},
}

func planSuffix(planID string) string {
	if planID == "" {
		return ""
	}
	return " on " + planID
}

// printer serializes output from the transport goroutines.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *printer) line(v map[string]any, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		v["at"] = time.Now().UTC().Format(time.RFC3339)
		_ = outputJSON(p.w, v)
		return
	}
	fmt.Fprintf(p.w, "%s  %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (p *printer) change(ch coordinator.Change) {
	p.line(map[string]any{"event": "lock_state", "planId": ch.DocumentID, "from": ch.From, "to": ch.To},
		"%s: %s -> %s", ch.DocumentID, ch.From, ch.To)
}

func (p *printer) notice(n coordinator.Notice) {
	v := map[string]any{"event": "notice", "kind": n.Kind, "planId": n.DocumentID, "requestId": n.RequestID, "actorId": n.ActorID}
	if n.Message != "" {
		v["message"] = n.Message
	}
	if n.Err != nil {
		v["error"] = n.Err.Error()
	}
	text := fmt.Sprintf("%s on %s", n.Kind, n.DocumentID)
	switch n.Kind {
	case coordinator.NoticeUnlockRequested:
		text = fmt.Sprintf("%s asks for %s (request %s): %q; answer with 'plixctl locks grant|deny %s'",
			n.ActorID, n.DocumentID, n.RequestID, n.Message, n.RequestID)
	case coordinator.NoticeUnlockGranted:
		text = fmt.Sprintf("%s granted %s; take it over with 'plixctl locks acquire %s'", n.ActorID, n.DocumentID, n.DocumentID)
	case coordinator.NoticeForceDecision:
		text = fmt.Sprintf("force unlock on %s: choose with 'plixctl locks resolve %s save|discard'", n.DocumentID, n.DocumentID)
	case coordinator.NoticeFailed:
		text = fmt.Sprintf("%s failed on %s: %v", n.Message, n.DocumentID, n.Err)
	}
	p.line(v, "%s", text)
}

func (p *printer) toast(t chat.Toast) {
	p.line(map[string]any{"event": "dm", "from": t.Message.FromID, "text": t.Message.Text},
		"message from %s: %s", t.Message.FromID, t.Message.Text)
}

func init() {
	watchCmd.Flags().BoolVar(&watchWrite, "write", false, "acquire the plan whenever it becomes free")
	rootCmd.AddCommand(watchCmd)
}
