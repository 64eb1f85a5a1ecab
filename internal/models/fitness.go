// Package models holds the upstream fitness platform's API shapes.
package models

// Profile is the authenticated user's account profile.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	HeightCm    int    `json:"height_cm,omitempty"`
	WeightKg    float64 `json:"weight_kg,omitempty"`
	MemberSince string `json:"member_since,omitempty"`
}

// Workout is a single recorded activity.
type Workout struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	StartTime     string  `json:"start_time"`
	DurationSec   int     `json:"duration_sec"`
	DistanceKm    float64 `json:"distance_km,omitempty"`
	Calories      int     `json:"calories,omitempty"`
	AvgHeartRate  int     `json:"avg_heart_rate,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

// WorkoutList is a paginated workout listing.
type WorkoutList struct {
	Workouts   []Workout `json:"workouts"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Total      int       `json:"total,omitempty"`
}

// NewWorkout is the payload for logging an activity.
type NewWorkout struct {
	Type        string  `json:"type"`
	StartTime   string  `json:"start_time"`
	DurationSec int     `json:"duration_sec"`
	DistanceKm  float64 `json:"distance_km,omitempty"`
	Calories    int     `json:"calories,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Goal is a user-defined training target.
type Goal struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Metric    string  `json:"metric"`
	Target    float64 `json:"target"`
	Progress  float64 `json:"progress,omitempty"`
	Deadline  string  `json:"deadline,omitempty"`
	Completed bool    `json:"completed,omitempty"`
}

// GoalList is the user's goals.
type GoalList struct {
	Goals []Goal `json:"goals"`
}

// GoalRequest creates or updates a goal.
type GoalRequest struct {
	Name     string  `json:"name,omitempty"`
	Metric   string  `json:"metric,omitempty"`
	Target   float64 `json:"target,omitempty"`
	Deadline string  `json:"deadline,omitempty"`
}
