package tui

import (
	"time"

	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
)

// Messages exchanged between commands and App.Update.

type statusMsg struct{ status *coordinator.Status }

type runsLoadedMsg struct{ runs []models.RunResult }

type notesLoadedMsg struct{ notes []models.Notification }

type clientsLoadedMsg struct{ clients []models.Client }

type runDetailMsg struct{ detail *RunDetail }

type daemonStatusMsg struct{ online bool }

type commandResultMsg struct{ text string }

type errMsg struct{ err error }

type tickMsg time.Time

// view modes
const (
	modeRuns          = "runs"
	modeNotifications = "notifications"
	modeDetail        = "detail"
)
