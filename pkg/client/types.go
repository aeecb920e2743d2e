package client

import (
	"fmt"
	"time"
)

// Manifest is the release descriptor published by the update server.
type Manifest struct {
	Version     string `json:"version"`
	ReleasedAt  string `json:"releasedAt,omitempty"`
	Notes       string `json:"notes,omitempty"`
	AssetName   string `json:"assetName,omitempty"`
	AssetURL    string `json:"assetUrl"`
	AssetSHA256 string `json:"assetSha256"`
}

// CheckResponse is returned by GET /update/check.
type CheckResponse struct {
	UpdateAvailable bool      `json:"updateAvailable"`
	CurrentVersion  *string   `json:"currentVersion"`
	LatestVersion   *string   `json:"latestVersion"`
	ReleasedAt      *string   `json:"releasedAt"`
	Notes           *string   `json:"notes"`
	Latest          *Manifest `json:"latest,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// InstallResponse is returned by POST /update/install.
type InstallResponse struct {
	Started       bool    `json:"started"`
	TargetVersion *string `json:"targetVersion"`
	Message       string  `json:"message"`
	Error         string  `json:"error,omitempty"`
	ErrorDetails  string  `json:"errorDetails,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
}

// LockOwner identifies the process holding the install lock.
type LockOwner struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusRecord is the persisted progress of an update.
type StatusRecord struct {
	Version   string    `json:"version"`
	Step      string    `json:"step"`
	UpdatedAt time.Time `json:"updatedAt"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StatusResponse is returned by GET /update/status.
type StatusResponse struct {
	LockExists     bool         `json:"lockExists"`
	LockPath       *string      `json:"lockPath"`
	LockContents   *string      `json:"lockContents"`
	LockOwner      *LockOwner   `json:"lockOwner,omitempty"`
	Status         StatusRecord `json:"status"`
	StatusPath     *string      `json:"statusPath"`
	CurrentVersion *string      `json:"currentVersion"`
}

// HistoryEvent is one entry of GET /update/history.
type HistoryEvent struct {
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     StatusRecord `json:"record"`
}

// Token is a bearer token issued by POST /auth/login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
