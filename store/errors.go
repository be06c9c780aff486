package store

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
)

// errWriteUnready is returned by Store.updateData when the target
// storeKey is not in an editable status (spec §7 "write to unready").
var errWriteUnready = errors.New("store: write to unready record")

// Diagnostics is the process-wide channel programming errors (spec §7:
// "create existing", "write to unready", etc.) are reported on. Mutation
// that triggers a programming error is a no-op; the caller is not
// expected to recover from it, only to be told loudly. Grounded on
// cmd/datalog/main.go's use of fatih/color to highlight problems for a
// human at a terminal.
type Diagnostics struct {
	mu       sync.Mutex
	handlers []func(kind string, subject any)
	useColor bool
}

var defaultDiagnostics = &Diagnostics{useColor: color.NoColor == false}

// OnError registers fn to be called for every reported programming error.
func (d *Diagnostics) OnError(fn func(kind string, subject any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

func (d *Diagnostics) report(kind string, subject any) {
	d.mu.Lock()
	handlers := append([]func(kind string, subject any){}, d.handlers...)
	d.mu.Unlock()

	if len(handlers) == 0 {
		msg := fmt.Sprintf("store: programming error: %s (%v)", kind, subject)
		if d.useColor {
			color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, msg)
		} else {
			fmt.Fprintln(os.Stderr, msg)
		}
		return
	}
	for _, h := range handlers {
		h(kind, subject)
	}
}

func (s *Store) diagnostics() *Diagnostics {
	if s.diag != nil {
		return s.diag
	}
	return defaultDiagnostics
}

// CommitError describes a permanent or transient commit failure delivered
// to record:commit:error subscribers.
type CommitError struct {
	StoreKey  StoreKey
	Operation string // "create", "update", "destroy"
	Permanent bool
	Errors    []error
	prevented bool
}

// PreventDefault suppresses the store's default revert behaviour for a
// permanent commit error (spec §7).
func (e *CommitError) PreventDefault() {
	e.prevented = true
}
