package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"yieldkit/core"
)

// AwardResult mirrors the response of the task, points and events endpoints.
type AwardResult struct {
	EventID    string              `json:"event_id"`
	Total      int64               `json:"total"`
	Tasks      int64               `json:"tasks,omitempty"`
	Commission string              `json:"commission"`
	Progress   core.ProgressResult `json:"progress"`
	LevelUp    bool                `json:"level_up"`
}

// Progress is a progress read with the level-up flag.
type Progress struct {
	core.ProgressResult
	LevelUp bool `json:"level_up"`
}

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
	Rank   int    `json:"rank"`
}

// Leaderboard is the /leaderboard response.
type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
	Size    int                `json:"size"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
