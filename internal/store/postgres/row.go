package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/user/appforge/internal/types"
)

type buildRow struct {
	ID                 string            `db:"id"`
	UserID             string            `db:"user_id"`
	ProjectID          string            `db:"project_id"`
	Spec               string            `db:"spec"`
	Harness            string            `db:"harness"`
	Provider           string            `db:"provider"`
	Tier               string            `db:"tier"`
	TargetFeatures     int               `db:"target_features"`
	ReviewGates        bool              `db:"review_gates"`
	Status             string            `db:"status"`
	SandboxID          string            `db:"sandbox_id"`
	Progress           types.Progress    `db:"progress"`
	Checkpoint         *types.Checkpoint `db:"checkpoint"`
	History            []types.Turn      `db:"history"`
	ArtifactKey        string            `db:"artifact_key"`
	Error              string            `db:"error"`
	DesignApprovedAt   *time.Time        `db:"design_approved_at"`
	FeaturesApprovedAt *time.Time        `db:"features_approved_at"`
	PausedAt           *time.Time        `db:"paused_at"`
	PauseReason        string            `db:"pause_reason"`
	CreatedAt          time.Time         `db:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*types.Build, error) {
	collectedRow, err := pgx.RowToStructByName[buildRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	status, known := types.StatusFromString(collectedRow.Status)
	if !known {
		slog.Warn(
			"unknown status encountered while reading build",
			"status", collectedRow.Status,
			"build_id", collectedRow.ID,
		)
	}

	b := &types.Build{
		ID:                 types.BuildID(collectedRow.ID),
		UserID:             types.UserID(collectedRow.UserID),
		ProjectID:          types.ProjectID(collectedRow.ProjectID),
		Spec:               collectedRow.Spec,
		HarnessName:        collectedRow.Harness,
		Provider:           collectedRow.Provider,
		Tier:               collectedRow.Tier,
		TargetFeatures:     collectedRow.TargetFeatures,
		ReviewGates:        collectedRow.ReviewGates,
		Status:             status,
		SandboxID:          types.SandboxID(collectedRow.SandboxID),
		Progress:           collectedRow.Progress,
		Checkpoint:         collectedRow.Checkpoint,
		History:            collectedRow.History,
		ArtifactKey:        collectedRow.ArtifactKey,
		Error:              collectedRow.Error,
		DesignApprovedAt:   collectedRow.DesignApprovedAt,
		FeaturesApprovedAt: collectedRow.FeaturesApprovedAt,
		PausedAt:           collectedRow.PausedAt,
		PauseReason:        collectedRow.PauseReason,
		CreatedAt:          collectedRow.CreatedAt,
		UpdatedAt:          collectedRow.UpdatedAt,
	}
	return b, nil
}

type eventRow struct {
	ID        string          `db:"id"`
	BuildID   string          `db:"build_id"`
	Seq       int64           `db:"seq"`
	Type      string          `db:"type"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
}

func rowToEvent(collectableRow pgx.CollectableRow) (*types.BuildEvent, error) {
	collectedRow, err := pgx.RowToStructByName[eventRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to event: %w", err)
	}

	e := &types.BuildEvent{
		ID:        types.EventID(collectedRow.ID),
		BuildID:   types.BuildID(collectedRow.BuildID),
		Seq:       collectedRow.Seq,
		Type:      types.EventType(collectedRow.Type),
		Payload:   collectedRow.Payload,
		CreatedAt: collectedRow.CreatedAt,
	}
	return e, nil
}

type previewRow struct {
	ID        string    `db:"id"`
	BuildID   string    `db:"build_id"`
	SandboxID string    `db:"sandbox_id"`
	Status    string    `db:"status"`
	URL       string    `db:"url"`
	StartedAt time.Time `db:"started_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

func rowToPreview(collectableRow pgx.CollectableRow) (*types.PreviewSession, error) {
	collectedRow, err := pgx.RowToStructByName[previewRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to preview: %w", err)
	}

	p := &types.PreviewSession{
		ID:        types.PreviewID(collectedRow.ID),
		BuildID:   types.BuildID(collectedRow.BuildID),
		SandboxID: types.SandboxID(collectedRow.SandboxID),
		Status:    types.PreviewStatus(collectedRow.Status),
		URL:       collectedRow.URL,
		StartedAt: collectedRow.StartedAt,
		ExpiresAt: collectedRow.ExpiresAt,
	}
	return p, nil
}
