package models

// TokenPair bundles a short-lived access token and a long-lived refresh
// token minted for the same user and epoch.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// UserSummary is the non-sensitive part of a user returned to callers.
type UserSummary struct {
	ID              string `json:"id"`
	UserName        string `json:"username"`
	Email           string `json:"email"`
	Role            Role   `json:"role"`
	Plan            string `json:"plan"`
	IsEmailVerified bool   `json:"is_email_verified"`
	OAuthProvider   string `json:"oauth_provider,omitempty"`
}

// Summary strips secrets and counters from u.
func (u *User) Summary() UserSummary {
	s := UserSummary{
		ID:              u.ID,
		UserName:        u.UserName,
		Email:           u.Email,
		Role:            u.Role,
		Plan:            u.Plan(),
		IsEmailVerified: u.IsEmailVerified,
	}
	if u.OAuthProvider != nil {
		s.OAuthProvider = *u.OAuthProvider
	}
	return s
}

// AuthResult is returned by every flow that ends in a new session.
type AuthResult struct {
	Tokens *TokenPair  `json:"tokens"`
	User   UserSummary `json:"user"`
}
