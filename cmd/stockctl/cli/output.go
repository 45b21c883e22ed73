package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Exit codes shared by every command.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitNotFound  = 2
	ExitForbidden = 3
	ExitRejected  = 4
	ExitPartial   = 10
)

// IO carries the command output streams. Nil streams default to the process
// streams.
type IO struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o IO) out() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o IO) errw() io.Writer {
	if o.Stderr == nil {
		return os.Stderr
	}
	return o.Stderr
}

func (o IO) fail(cmd string, err error) int {
	_, _ = fmt.Fprintf(o.errw(), "%s: %v\n", cmd, err)
	return exitCode(err)
}

func (o IO) usage(cmd, msg string) int {
	_, _ = fmt.Fprintf(o.errw(), "%s: %s\n", cmd, msg)
	return ExitFailure
}

func (o IO) json(cmd string, v any) int {
	if err := json.NewEncoder(o.out()).Encode(v); err != nil {
		_, _ = fmt.Fprintf(o.errw(), "%s: encode json: %v\n", cmd, err)
		return ExitFailure
	}
	return ExitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, shared.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, shared.ErrForbidden):
		return ExitForbidden
	case errors.Is(err, shared.ErrInvalidOperation):
		return ExitRejected
	default:
		return ExitFailure
	}
}
