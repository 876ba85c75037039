package audit

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Actions recorded by the session flow.
const (
	ActionSignIn           = "signin"
	ActionAccountCreated   = "account_created"
	ActionIdentityLinked   = "identity_linked"
	ActionIdentityUnlinked = "identity_unlinked"
	ActionRefreshReplay    = "refresh_replay_detected"
	ActionTokensRevoked    = "refresh_tokens_revoked"
	ActionLogout           = "logout"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Account   string    `json:"account,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

var auditLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// SetOutput redirects audit events, mostly for tests.
func SetOutput(w io.Writer) {
	auditLogger = zerolog.New(w).With().Timestamp().Logger()
}

// Log records an audit event.
func Log(service, action, account, provider, details string, success bool, err error) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Service:   service,
		Action:    action,
		Account:   account,
		Provider:  provider,
		Details:   details,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		log.Error().Err(marshalErr).Msg("Failed to marshal audit event")
		auditLogger.Error().
			Str("service", service).
			Str("action", action).
			Str("account", account).
			Str("provider", provider).
			Bool("success", success).
			Err(err).
			Msg("audit (fallback)")
		return
	}
	auditLogger.Log().RawJSON("audit_event", entry).Msg("")
}
