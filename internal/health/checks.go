package health

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/MrWong99/parley/internal/channel"
)

// ErrNotReady is reported by [SessionReady] while no session is ready.
var ErrNotReady = errors.New("not ready")

// SessionReady returns a [Checker] named "session" that passes while ready
// reports true.
func SessionReady(ready func() bool) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if !ready() {
				return ErrNotReady
			}
			return nil
		},
	}
}

// Channels returns a [Checker] named "channels" that fails when any channel
// reported by states is not connected. An empty map passes.
func Channels(states func() map[channel.Role]channel.State) Checker {
	return Checker{
		Name: "channels",
		Check: func(context.Context) error {
			st := states()
			var errList []error
			for _, role := range slices.Sorted(maps.Keys(st)) {
				if s := st[role]; s != channel.StateConnected {
					errList = append(errList, fmt.Errorf("%s: %s", role, s))
				}
			}
			return errors.Join(errList...)
		},
	}
}
