package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentdesk/internal/domain"
	"agentdesk/internal/orchestrator"
)

func newAskCommand(configPath func() string) *cobra.Command {
	var provider, session string
	cmd := &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Send one prompt and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, configPath(), domain.Query{
				Provider:  provider,
				SessionID: session,
				Content:   strings.Join(args, " "),
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider namespace (default gemini, or the first configured)")
	cmd.Flags().StringVarP(&session, "session", "s", "cli", "conversation session id")
	return cmd
}

// runAsk submits q and blocks until its stream finishes. Key exhaustion and
// stream errors exit with code 1.
func runAsk(cmd *cobra.Command, configPath string, q domain.Query) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(ctx); err != nil {
		return err
	}

	q.CorrelationID = uuid.NewString()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) { once.Do(func() { done <- err }) }

	unsubscribe := a.bus.Subscribe(domain.EventSinkFunc(func(ev domain.Event) {
		if ev.CorrelationID != q.CorrelationID {
			return
		}
		switch ev.Type {
		case domain.EventContent:
			fmt.Fprint(out, ev.Data)
		case domain.EventInfo:
			if sw, ok := ev.Data.(orchestrator.KeySwitch); ok {
				fmt.Fprintf(errOut, "switched key %s -> %s (%s)\n", sw.From, sw.To, sw.Reason)
			}
		case domain.EventError:
			finish(fmt.Errorf("%v", ev.Data))
		case domain.EventFinish:
			finish(nil)
		}
	}))
	defer unsubscribe()

	if err := a.router.SubmitQuery(ctx, q); err != nil {
		if errors.Is(err, orchestrator.ErrKeysExhausted) {
			fmt.Fprintln(errOut, "agentdesk:", err)
			return exitCodeErr(1)
		}
		return err
	}

	select {
	case err := <-done:
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintln(errOut, "agentdesk:", err)
			return exitCodeErr(1)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
