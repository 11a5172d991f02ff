package httpx

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
)

// ActorHeader carries the authenticated user id. The gateway sets it after
// verifying the caller's token; services trust it as-is.
const ActorHeader = "X-User-Id"

// CausationHeader optionally names the message that caused this request.
const CausationHeader = "X-Causation-Id"

// WithActor stores the caller identity and causation id in the request context
// so events raised while serving the request carry them.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestctx.WithActorID(r.Context(), strings.TrimSpace(r.Header.Get(ActorHeader)))
		ctx = requestctx.WithCausationID(ctx, strings.TrimSpace(r.Header.Get(CausationHeader)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
