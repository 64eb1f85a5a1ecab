// Package handlers implements the MCP tools that wrap the upstream
// fitness API.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/cache"
	"github.com/openfit/fitbridge-mcp/internal/models"
	"github.com/openfit/fitbridge-mcp/internal/oauth"
	"github.com/openfit/fitbridge-mcp/internal/upstream"
	"github.com/openfit/fitbridge-mcp/pkg/mcp"
)

// readCacheTTL bounds how stale a cached read may be. Short on purpose:
// the upstream is the source of truth, the cache only absorbs bursts.
const readCacheTTL = 60 * time.Second

// FitnessHandler executes fitness tools against the upstream API using
// the session's decrypted upstream access token.
type FitnessHandler struct {
	broker *oauth.Broker
	api    *upstream.Client
	cache  *cache.TTLCache
	logger *zap.Logger
}

// NewFitnessHandler creates the handler.
func NewFitnessHandler(broker *oauth.Broker, api *upstream.Client, c *cache.TTLCache, logger *zap.Logger) *FitnessHandler {
	return &FitnessHandler{broker: broker, api: api, cache: c, logger: logger}
}

// Register adds every fitness tool to the MCP server.
func (h *FitnessHandler) Register(server *mcp.Server) {
	for _, t := range []struct {
		tool    mcp.Tool
		handler mcp.ToolHandler
	}{
		{h.getProfileTool(), h.handleGetProfile},
		{h.listWorkoutsTool(), h.handleListWorkouts},
		{h.getWorkoutTool(), h.handleGetWorkout},
		{h.logWorkoutTool(), h.handleLogWorkout},
		{h.listGoalsTool(), h.handleListGoals},
		{h.createGoalTool(), h.handleCreateGoal},
		{h.updateGoalTool(), h.handleUpdateGoal},
		{h.deleteGoalTool(), h.handleDeleteGoal},
	} {
		server.RegisterTool(t.tool, t.handler)
	}
}

func (h *FitnessHandler) getProfileTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_profile",
		Description: "Get the authenticated user's fitness profile",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func (h *FitnessHandler) listWorkoutsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_workouts",
		Description: "List the user's recorded workouts, most recent first",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of workouts to return",
					"default":     20,
				},
				"cursor": map[string]interface{}{
					"type":        "string",
					"description": "Pagination cursor from a previous response",
				},
				"type": map[string]interface{}{
					"type":        "string",
					"description": "Filter by activity type (e.g., run, ride, swim)",
				},
			},
		},
	}
}

func (h *FitnessHandler) getWorkoutTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_workout",
		Description: "Get a single workout by ID",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"workout_id": map[string]interface{}{
					"type":        "string",
					"description": "Workout ID",
				},
			},
			"required": []string{"workout_id"},
		},
	}
}

func (h *FitnessHandler) logWorkoutTool() mcp.Tool {
	return mcp.Tool{
		Name:        "log_workout",
		Description: "Record a new workout",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"type": map[string]interface{}{
					"type":        "string",
					"description": "Activity type (e.g., run, ride, swim)",
				},
				"start_time": map[string]interface{}{
					"type":        "string",
					"description": "Start time, RFC 3339 (e.g., 2026-08-28T07:30:00Z)",
				},
				"duration_sec": map[string]interface{}{
					"type":        "number",
					"description": "Duration in seconds",
				},
				"distance_km": map[string]interface{}{
					"type":        "number",
					"description": "Distance in kilometers",
				},
				"calories": map[string]interface{}{
					"type":        "number",
					"description": "Calories burned",
				},
				"notes": map[string]interface{}{
					"type":        "string",
					"description": "Free-form notes",
				},
			},
			"required": []string{"type", "start_time", "duration_sec"},
		},
	}
}

func (h *FitnessHandler) listGoalsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_goals",
		Description: "List the user's training goals",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func (h *FitnessHandler) createGoalTool() mcp.Tool {
	return mcp.Tool{
		Name:        "create_goal",
		Description: "Create a training goal",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Goal name",
				},
				"metric": map[string]interface{}{
					"type":        "string",
					"description": "Measured metric (e.g., distance_km, workouts_per_week)",
				},
				"target": map[string]interface{}{
					"type":        "number",
					"description": "Target value for the metric",
				},
				"deadline": map[string]interface{}{
					"type":        "string",
					"description": "Deadline date, YYYY-MM-DD",
				},
			},
			"required": []string{"name", "metric", "target"},
		},
	}
}

func (h *FitnessHandler) updateGoalTool() mcp.Tool {
	return mcp.Tool{
		Name:        "update_goal",
		Description: "Update an existing goal",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"goal_id": map[string]interface{}{
					"type":        "string",
					"description": "Goal ID",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "New goal name",
				},
				"target": map[string]interface{}{
					"type":        "number",
					"description": "New target value",
				},
				"deadline": map[string]interface{}{
					"type":        "string",
					"description": "New deadline date, YYYY-MM-DD",
				},
			},
			"required": []string{"goal_id"},
		},
	}
}

func (h *FitnessHandler) deleteGoalTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_goal",
		Description: "Delete a goal",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"goal_id": map[string]interface{}{
					"type":        "string",
					"description": "Goal ID",
				},
			},
			"required": []string{"goal_id"},
		},
	}
}

func (h *FitnessHandler) handleGetProfile(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	return h.cachedGet(ctx, session, "/v1/profile")
}

func (h *FitnessHandler) handleListWorkouts(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	params := url.Values{}
	if limit := argInt(args, "limit"); limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor := argString(args, "cursor"); cursor != "" {
		params.Set("cursor", cursor)
	}
	if activity := argString(args, "type"); activity != "" {
		params.Set("type", activity)
	}
	path := "/v1/workouts"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return h.cachedGet(ctx, session, path)
}

func (h *FitnessHandler) handleGetWorkout(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	id := argString(args, "workout_id")
	if id == "" {
		return mcp.ErrorResult("workout_id must be a non-empty string"), nil
	}
	return h.cachedGet(ctx, session, "/v1/workouts/"+url.PathEscape(id))
}

func (h *FitnessHandler) handleLogWorkout(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	payload := models.NewWorkout{
		Type:        argString(args, "type"),
		StartTime:   argString(args, "start_time"),
		DurationSec: argInt(args, "duration_sec"),
		DistanceKm:  argFloat(args, "distance_km"),
		Calories:    argInt(args, "calories"),
		Notes:       argString(args, "notes"),
	}
	if payload.DurationSec <= 0 {
		return mcp.ErrorResult("duration_sec must be a positive number"), nil
	}
	return h.write(ctx, session, http.MethodPost, "/v1/workouts", payload)
}

func (h *FitnessHandler) handleListGoals(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	return h.cachedGet(ctx, session, "/v1/goals")
}

func (h *FitnessHandler) handleCreateGoal(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	payload := models.GoalRequest{
		Name:     argString(args, "name"),
		Metric:   argString(args, "metric"),
		Target:   argFloat(args, "target"),
		Deadline: argString(args, "deadline"),
	}
	return h.write(ctx, session, http.MethodPost, "/v1/goals", payload)
}

func (h *FitnessHandler) handleUpdateGoal(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	id := argString(args, "goal_id")
	if id == "" {
		return mcp.ErrorResult("goal_id must be a non-empty string"), nil
	}
	payload := models.GoalRequest{
		Name:     argString(args, "name"),
		Target:   argFloat(args, "target"),
		Deadline: argString(args, "deadline"),
	}
	return h.write(ctx, session, http.MethodPatch, "/v1/goals/"+url.PathEscape(id), payload)
}

func (h *FitnessHandler) handleDeleteGoal(ctx context.Context, args map[string]interface{}, session *oauth.Session) (mcp.ToolResult, error) {
	id := argString(args, "goal_id")
	if id == "" {
		return mcp.ErrorResult("goal_id must be a non-empty string"), nil
	}
	return h.write(ctx, session, http.MethodDelete, "/v1/goals/"+url.PathEscape(id), nil)
}

// cachedGet serves read-only calls through the TTL cache, keyed by
// session so one user's data never leaks into another's view.
func (h *FitnessHandler) cachedGet(ctx context.Context, session *oauth.Session, path string) (mcp.ToolResult, error) {
	key := cache.Key(session.ID, path)
	if cached, ok := h.cache.Get(key); ok {
		if text, ok := cached.(string); ok {
			return mcp.TextResult(text), nil
		}
	}

	accessToken, err := h.broker.UpstreamAccessToken(session)
	if err != nil {
		h.logger.Error("failed to decrypt upstream token", zap.String("session_id", session.ID), zap.Error(err))
		return mcp.ToolResult{}, fmt.Errorf("upstream credentials unavailable")
	}

	body, err := h.api.Get(ctx, accessToken, path)
	if err != nil {
		return mcp.ToolResult{}, fmt.Errorf("fitness API request failed: %w", err)
	}

	text := string(body)
	h.cache.Set(key, text, readCacheTTL)
	return mcp.TextResult(text), nil
}

func (h *FitnessHandler) write(ctx context.Context, session *oauth.Session, method, path string, payload interface{}) (mcp.ToolResult, error) {
	accessToken, err := h.broker.UpstreamAccessToken(session)
	if err != nil {
		h.logger.Error("failed to decrypt upstream token", zap.String("session_id", session.ID), zap.Error(err))
		return mcp.ToolResult{}, fmt.Errorf("upstream credentials unavailable")
	}

	body, err := h.api.Do(ctx, accessToken, method, path, payload)
	if err != nil {
		return mcp.ToolResult{}, fmt.Errorf("fitness API request failed: %w", err)
	}

	// Mutations invalidate this session's cached reads.
	h.cache.Invalidate(session.ID)

	if len(body) == 0 {
		body, _ = json.Marshal(map[string]string{"status": "ok"})
	}
	return mcp.TextResult(string(body)), nil
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]interface{}, key string) int {
	f, _ := args[key].(float64)
	return int(f)
}

func argFloat(args map[string]interface{}, key string) float64 {
	f, _ := args[key].(float64)
	return f
}
