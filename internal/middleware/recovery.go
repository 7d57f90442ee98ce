package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
)

// Recovery is the outermost guard. Panics inside the pipeline are handled
// there; this catches anything raised by the wrappers around it.
func Recovery(production bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logging.Error("Panic recovered",
						zap.String("request_id", w.Header().Get("X-Request-Id")),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.Render(w, errors.Internal(fmt.Errorf("panic: %v", rec)), production)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
