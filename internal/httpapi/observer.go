package httpapi

import (
	"context"

	"ums.dev/internal/audit"
	"ums.dev/internal/auth"
	"ums.dev/internal/obs"
)

// Observer feeds service events into metrics and the audit log. Allowed
// decisions are counted but not audited, every other event is.
func Observer() auth.Observer {
	return func(ctx context.Context, event string, fields map[string]any) {
		switch event {
		case "authz.allow":
			obs.ObserveDecision(stringField(fields, "reason"), true)
			return
		case "authz.deny":
			obs.ObserveDecision(stringField(fields, "reason"), false)
		case "authz.error":
			obs.ObserveDecision("error", false)
		case "login.success", "login.failure":
			obs.ObserveLogin(stringField(fields, "outcome"))
		case "login.error":
			obs.ObserveLogin("error")
		}
		audit.Observe(ctx, event, fields)
	}
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
