package prof

import (
	"context"
	"fmt"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// pyroLogger routes the profiler's printf-style logging into the service
// logger. Upload chatter is debug level.
type pyroLogger struct {
	ctx context.Context
	L   log.Logger
}

func newPyroLogger(ctx context.Context, L log.Logger) pyroLogger {
	return pyroLogger{ctx: context.WithoutCancel(ctx), L: L.With("component", "pyroscope")}
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Error(p.ctx, xerrors.Newf(format, args...), "pyroscope error")
}
