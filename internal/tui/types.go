package tui

import (
	"time"

	"github.com/fentz26/taskvault/internal/models"
)

// RecordItem is a summary of a record for the list view
type RecordItem struct {
	ID       string
	Kind     models.Kind
	State    models.State
	Priority models.Priority
	Status   models.TaskStatus
	Source   string
	Attempts int
	Updated  time.Time
}

// RecordDetail is the full record with its agent runs
type RecordDetail struct {
	Record models.TaskRecord
	Runs   []models.AgentRun
}

// HealthInfo is the subset of the health report the header shows
type HealthInfo struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Vault   string `json:"vault"`
	Version string `json:"version"`
	Agent   *struct {
		Name      string `json:"name"`
		Available bool   `json:"available"`
	} `json:"agent,omitempty"`
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type recordsLoadedMsg struct {
	records []RecordItem
}

type recordDetailLoadedMsg struct {
	detail *RecordDetail
}

type statusLoadedMsg struct {
	snap *models.StatusSnapshot
}

type healthMsg struct {
	health *HealthInfo
}

type tickMsg time.Time
