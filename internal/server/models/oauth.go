package models

// ExternalProfile is what a completed OAuth handshake yields about the
// signed-in identity.
type ExternalProfile struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
}
