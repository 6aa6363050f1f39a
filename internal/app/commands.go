package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/parley/internal/engine"
)

// ErrUnknownCommand is returned by [App.Exec] for unrecognised input.
var ErrUnknownCommand = errors.New("unknown command")

// Commands lists the verbs understood by [App.Exec] with a short usage line.
var Commands = map[string]string{
	"start":     "start a session",
	"stop":      "stop the session after the grace period",
	"sleep":     "stop forwarding audio to the agent",
	"wake":      "resume forwarding audio to the agent",
	"toggle":    "toggle between sleeping and listening",
	"interrupt": "cut off agent speech",
	"say":       "say <text>: inject a message the agent speaks",
	"prompt":    "prompt <text>: replace the agent instructions",
	"status":    "print session state",
	"health":    "run the readiness checks",
	"help":      "list commands",
}

// Exec runs one host command line and returns a human-readable result.
func (a *App) Exec(ctx context.Context, line string) (string, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch verb {
	case "":
		return "", nil
	case "help":
		var b strings.Builder
		for _, k := range slices.Sorted(maps.Keys(Commands)) {
			fmt.Fprintf(&b, "%-10s %s\n", k, Commands[k])
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "start":
		if err := a.sessions.Start(ctx); err != nil {
			return "", err
		}
		return "session started", nil
	case "stop":
		if err := a.sessions.Stop(ctx); err != nil {
			return "", err
		}
		return "session stopped", nil
	case "status":
		return a.status(), nil
	case "health":
		rep := a.health.Evaluate(ctx)
		var b strings.Builder
		b.WriteString(rep.Status)
		for _, name := range slices.Sorted(maps.Keys(rep.Checks)) {
			fmt.Fprintf(&b, "\n  %s: %s", name, rep.Checks[name])
		}
		return b.String(), nil
	}

	eng, err := a.activeEngine()
	if err != nil {
		return "", err
	}
	switch verb {
	case "sleep":
		return changed(eng.Sleep(), "sleeping"), nil
	case "wake":
		return changed(eng.Wake(), "listening"), nil
	case "toggle":
		eng.ToggleSleep()
		return eng.State().String(), nil
	case "interrupt":
		eng.Interrupt()
		return "interrupted", nil
	case "say":
		if arg == "" {
			return "", errors.New("say: text is required")
		}
		return "sent", eng.InjectMessage(ctx, arg)
	case "prompt":
		if arg == "" {
			return "", errors.New("prompt: text is required")
		}
		return "sent", eng.UpdateInstructions(ctx, arg)
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCommand, verb)
}

func (a *App) activeEngine() (*engine.Engine, error) {
	if !a.sessions.IsActive() {
		return nil, ErrNoSession
	}
	eng := a.sessions.Engine()
	if eng == nil {
		return nil, ErrNoSession
	}
	return eng, nil
}

func (a *App) status() string {
	if !a.sessions.IsActive() {
		return "no active session"
	}
	eng := a.sessions.Engine()
	info := a.sessions.Info()
	var b strings.Builder
	fmt.Fprintf(&b, "session %s ready=%t state=%s playing=%t", info.SessionID, eng.Ready(), eng.State(), eng.IsPlaying())
	states := eng.ChannelStates()
	for _, role := range slices.Sorted(maps.Keys(states)) {
		fmt.Fprintf(&b, " %s=%s", role, states[role])
	}
	return b.String()
}

func changed(ok bool, state string) string {
	if !ok {
		return "unchanged"
	}
	return state
}
