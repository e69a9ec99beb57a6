package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}

// InitSentry is a no-op without a DSN; capture calls then do nothing.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

// scrubEvent strips request bodies and credential headers. Bodies carry
// passwords and tokens on every auth endpoint.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Data = ""
	event.Request.Cookies = ""
	for name := range event.Request.Headers {
		for _, secret := range scrubbedHeaders {
			if strings.EqualFold(name, secret) {
				delete(event.Request.Headers, name)
			}
		}
	}
	return event
}

// SentryScope gives each request its own hub tagged with the request id, so
// CaptureError calls from handlers land with request context attached.
func SentryScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(r)
		if id := chiMiddleware.GetReqID(r.Context()); id != "" {
			hub.Scope().SetTag("request_id", id)
		}
		next.ServeHTTP(w, r.WithContext(sentry.SetHubOnContext(r.Context(), hub)))
	})
}

func hubFrom(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func CaptureError(ctx context.Context, err error) {
	if err != nil {
		hubFrom(ctx).CaptureException(err)
	}
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
