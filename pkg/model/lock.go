package model

import "time"

// LockRecord is stored at <state-dir>/locks/repo.lock.json.
type LockRecord struct {
	RepositoryPath string    `json:"repository_path"`
	HolderNonce    string    `json:"holder_nonce"`
	PID            int       `json:"pid"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	FencingToken   int64     `json:"fencing_token"`
	Purpose        string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	LeaseTTL       time.Duration `json:"lease_ttl"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// LockState represents the current state of a lock.
type LockState string

const (
	LockStateFree    LockState = "free"
	LockStateHeld    LockState = "held"
	LockStateExpired LockState = "expired"
)
