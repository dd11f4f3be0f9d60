// Package sandbox compiles and runs user-authored filter snippets inside an
// embedded yaegi interpreter. A snippet sees exactly two packages, the
// indicator library and the market types, plus one input value; there is no
// stdlib, no I/O and no way to spawn goroutines, so the only resource a
// hostile filter can burn is its own evaluation deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/traefik/yaegi/interp"

	"signal-screener/internal/errs"
	"signal-screener/internal/market"
)

// DefaultTimeout bounds one filter evaluation when the caller passes none.
const DefaultTimeout = 5 * time.Second

// instances kept warm per compiled program
const defaultPoolSize = 4

const (
	inputVar  = "__input"
	matchFunc = "__match"
)

// The snippet body becomes the body of __match. The blank var anchors the
// indicators import so snippets that never call the library still compile.
const wrapperFormat = `import (
	"signal-screener/internal/indicators"
	"signal-screener/internal/market"
)

var __input market.Data

var _ = indicators.MinBars

func __match(data market.Data) bool {
%s
}
`

func assemble(source string) string {
	return fmt.Sprintf(wrapperFormat, source)
}

// Program is a compiled filter: the vetted source plus a pool of interpreter
// instances that evaluate it. Each instance serves one call at a time;
// instances that time out or fail are discarded rather than reused.
type Program struct {
	source  string
	wrapped string
	pool    chan *instance
}

// Source returns the snippet the program was compiled from.
func (p *Program) Source() string { return p.source }

func (p *Program) acquire() (*instance, error) {
	select {
	case inst := <-p.pool:
		return inst, nil
	default:
		return newInstance(p.wrapped)
	}
}

func (p *Program) release(inst *instance) {
	select {
	case p.pool <- inst:
	default:
	}
}

// instance is one interpreter with the wrapper declared, the input slot
// bound and the entrypoint call pre-compiled. Not safe for concurrent use;
// the pool hands it to one caller at a time.
type instance struct {
	interp *interp.Interpreter
	input  reflect.Value
	call   *interp.Program
}

func newInstance(wrapped string) (*instance, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(exports()); err != nil {
		return nil, errs.Wrap(errs.KindCompile, "registering filter library", err)
	}
	if _, err := i.Eval(wrapped); err != nil {
		return nil, errs.Wrap(errs.KindCompile, "filter does not compile", err)
	}
	ptr, err := i.Eval("&" + inputVar)
	if err != nil {
		return nil, errs.Wrap(errs.KindCompile, "binding filter input", err)
	}
	call, err := i.Compile(matchFunc + "(" + inputVar + ")")
	if err != nil {
		return nil, errs.Wrap(errs.KindCompile, "compiling filter entrypoint", err)
	}
	return &instance{interp: i, input: ptr.Elem(), call: call}, nil
}

func (in *instance) run(ctx context.Context, data market.Data) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Ef(errs.KindExecution, "filter panicked: %v", r)
		}
	}()

	in.input.Set(reflect.ValueOf(data))
	res, err := in.interp.ExecuteWithContext(ctx, in.call)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, errs.Wrap(errs.KindExecution, "filter execution failed", err)
	}
	if res.Kind() != reflect.Bool {
		return false, errs.E(errs.KindExecution, "filter did not return a boolean")
	}
	return res.Bool(), nil
}

// Executor compiles filter snippets and evaluates compiled programs against
// market snapshots.
type Executor struct {
	log      zerolog.Logger
	poolSize int
}

// NewExecutor builds the filter executor.
func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{
		log:      log.With().Str("component", "sandbox").Logger(),
		poolSize: defaultPoolSize,
	}
}

// Validate parses the snippet without executing anything. It front-loads
// syntax errors and the import and escape checks so the API can give fast
// feedback.
func (e *Executor) Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return errs.E(errs.KindValidation, "filter source is empty")
	}
	return vet(assemble(source))
}

// Compile vets the snippet and loads it into a fresh interpreter, surfacing
// type errors the parser cannot see. The returned program is safe for
// concurrent Execute calls.
func (e *Executor) Compile(source string) (*Program, error) {
	if err := e.Validate(source); err != nil {
		return nil, err
	}
	p := &Program{
		source:  source,
		wrapped: assemble(source),
		pool:    make(chan *instance, e.poolSize),
	}
	inst, err := newInstance(p.wrapped)
	if err != nil {
		return nil, err
	}
	p.release(inst)
	return p, nil
}

// Execute runs one evaluation with a wall-clock deadline. Runtime panics
// inside the snippet come back as execution errors; a timed-out or failed
// interpreter instance is dropped because a cancelled interpreter may be
// left mid-statement.
func (e *Executor) Execute(ctx context.Context, p *Program, data market.Data, timeout time.Duration) (bool, error) {
	if p == nil {
		return false, errs.E(errs.KindExecution, "nil filter program")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	inst, err := p.acquire()
	if err != nil {
		return false, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	matched, err := inst.run(cctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn().Str("symbol", data.Symbol).Dur("timeout", timeout).Msg("filter evaluation timed out")
			return false, errs.Ef(errs.KindExecution, "filter timed out after %s", timeout)
		}
		if errors.Is(err, context.Canceled) {
			return false, errs.Wrap(errs.KindExecution, "filter evaluation canceled", err)
		}
		return false, err
	}

	p.release(inst)
	return matched, nil
}
