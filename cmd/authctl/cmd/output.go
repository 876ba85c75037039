package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.pilab.hu/fedauth/domain"
	"gopkg.in/yaml.v3"
)

type identityView struct {
	Provider       string     `json:"provider" yaml:"provider"`
	SubjectID      string     `json:"subjectId" yaml:"subject_id"`
	ProviderEmail  string     `json:"providerEmail,omitempty" yaml:"provider_email,omitempty"`
	LinkedAt       time.Time  `json:"linkedAt" yaml:"linked_at"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty" yaml:"last_login_at,omitempty"`
	HasCredentials bool       `json:"hasCredentials" yaml:"has_credentials"`
}

type accountView struct {
	ID          string         `json:"id" yaml:"id"`
	Username    string         `json:"username" yaml:"username"`
	Email       string         `json:"email" yaml:"email"`
	DisplayName string         `json:"displayName" yaml:"display_name"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"created_at"`
	LastLoginAt *time.Time     `json:"lastLoginAt,omitempty" yaml:"last_login_at,omitempty"`
	LoginCount  int            `json:"loginCount" yaml:"login_count"`
	Identities  []identityView `json:"identities" yaml:"identities"`
}

func newAccountView(a *domain.Account) accountView {
	v := accountView{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
		LoginCount:  a.LoginCount,
		Identities:  make([]identityView, 0, len(a.LinkedIdentities)),
	}
	for _, li := range a.LinkedIdentities {
		v.Identities = append(v.Identities, identityView{
			Provider:       li.Provider.String(),
			SubjectID:      li.SubjectID,
			ProviderEmail:  li.ProviderEmail,
			LinkedAt:       li.LinkedAt,
			LastLoginAt:    li.LastLoginAt,
			HasCredentials: li.AccessTokenSealed != "" || li.RefreshTokenSealed != "",
		})
	}
	return v
}

// printOutput writes v in the selected format.
func printOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to render output: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
