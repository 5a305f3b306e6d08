package types

import "time"

// PreviewStatus is the lifecycle state of a preview session.
type PreviewStatus string

const (
	PreviewRunning PreviewStatus = "running"
	PreviewStopped PreviewStatus = "stopped"
	PreviewExpired PreviewStatus = "expired"
)

// PreviewSession is a time-boxed, disposable run of a completed build's
// artifacts. It is independent of the build's own sandbox and never shares
// one with the agent loop.
type PreviewSession struct {
	ID        PreviewID     `json:"id"`
	BuildID   BuildID       `json:"build_id"`
	SandboxID SandboxID     `json:"sandbox_id"`
	Status    PreviewStatus `json:"status"`
	URL       string        `json:"url,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the session's expiry timestamp has passed.
func (p *PreviewSession) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
