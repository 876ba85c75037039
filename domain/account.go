package domain

import "time"

// Proficiency is the self-reported spoken-language level stored on a profile.
type Proficiency string

const (
	ProficiencyBeginner     Proficiency = "BEGINNER"
	ProficiencyIntermediate Proficiency = "INTERMEDIATE"
	ProficiencyAdvanced     Proficiency = "ADVANCED"
	ProficiencyNative       Proficiency = "NATIVE"
)

// DefaultDisplayName is used for accounts created without an email.
const DefaultDisplayName = "New User"

// Bio holds free-form profile fields. The core only persists them.
type Bio struct {
	AboutMe   string `bson:"about_me,omitempty" json:"aboutMe,omitempty"`
	Interests string `bson:"interests,omitempty" json:"interests,omitempty"`
}

// Account is the canonical local identity. ID is assigned by the store on insert
// and never changes afterwards.
type Account struct {
	ID               string           `bson:"_id,omitempty" json:"id"`
	Username         string           `bson:"username" json:"username"`
	Email            string           `bson:"email" json:"email"` // not unique
	EmailVerified    bool             `bson:"email_verified" json:"emailVerified"`
	DisplayName      string           `bson:"display_name" json:"displayName"`
	PictureURL       string           `bson:"picture_url,omitempty" json:"pictureUrl,omitempty"`
	Proficiency      Proficiency      `bson:"proficiency,omitempty" json:"proficiency,omitempty"`
	Bio              Bio              `bson:"bio" json:"bio"`
	CreatedAt        time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time        `bson:"updated_at" json:"updatedAt"`
	LastLoginAt      *time.Time       `bson:"last_login_at,omitempty" json:"lastLoginAt,omitempty"`
	LoginCount       int              `bson:"login_count" json:"loginCount"`
	LinkedIdentities []LinkedIdentity `bson:"linked_identities" json:"linkedIdentities"`
}

// LinkedIdentity binds one federated identity to an Account. The pair
// (Provider, SubjectID) is unique across all accounts.
type LinkedIdentity struct {
	Provider      Provider   `bson:"provider" json:"provider"`
	SubjectID     string     `bson:"subject_id" json:"subjectId"`
	ProviderEmail string     `bson:"provider_email,omitempty" json:"providerEmail,omitempty"` // advisory
	LinkedAt      time.Time  `bson:"linked_at" json:"linkedAt"`
	LastLoginAt   *time.Time `bson:"last_login_at,omitempty" json:"lastLoginAt,omitempty"`

	// Sealed provider API credentials, only present when the caller asked to keep them.
	AccessTokenSealed    string     `bson:"access_token_sealed,omitempty" json:"-"`
	RefreshTokenSealed   string     `bson:"refresh_token_sealed,omitempty" json:"-"`
	AccessTokenExpiresAt *time.Time `bson:"access_token_expires_at,omitempty" json:"-"`
}

// FindIdentity returns the linked identity for provider and subject, or nil.
func (a *Account) FindIdentity(provider Provider, subjectID string) *LinkedIdentity {
	for i := range a.LinkedIdentities {
		li := &a.LinkedIdentities[i]
		if li.Provider == provider && li.SubjectID == subjectID {
			return li
		}
	}
	return nil
}

// RemoveProvider drops every identity of the given provider and reports how many were removed.
func (a *Account) RemoveProvider(provider Provider) int {
	kept := a.LinkedIdentities[:0]
	removed := 0
	for _, li := range a.LinkedIdentities {
		if li.Provider == provider {
			removed++
			continue
		}
		kept = append(kept, li)
	}
	a.LinkedIdentities = kept
	return removed
}

// Providers lists the providers linked to the account in link order, without duplicates.
func (a *Account) Providers() []Provider {
	seen := make(map[Provider]bool, len(a.LinkedIdentities))
	out := make([]Provider, 0, len(a.LinkedIdentities))
	for _, li := range a.LinkedIdentities {
		if seen[li.Provider] {
			continue
		}
		seen[li.Provider] = true
		out = append(out, li.Provider)
	}
	return out
}
