package services

// Metrics receives authentication outcomes. *metrics.Metrics implements it.
type Metrics interface {
	LoginAttempt(method, outcome string)
	AccountLocked()
	TokensIssued(flow string)
	EpochBumped(reason string)
	Ephemeral(kind, event string)
	OAuthResolved(provider, path string)
}

type nopMetrics struct{}

func (nopMetrics) LoginAttempt(string, string)  {}
func (nopMetrics) AccountLocked()               {}
func (nopMetrics) TokensIssued(string)          {}
func (nopMetrics) EpochBumped(string)           {}
func (nopMetrics) Ephemeral(string, string)     {}
func (nopMetrics) OAuthResolved(string, string) {}
