package vigil

import (
	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/passes"
	"github.com/jward/vigil/internal/progress"
	"github.com/jward/vigil/internal/store"
	"github.com/jward/vigil/internal/text"
)

// Re-export the types callers need to drive the engine and to write
// collaborators and stages.
type (
	Store = store.Store

	DocID = text.DocID
	Span  = text.Span
	Edit  = text.Edit

	Diagnostic     = highlight.Diagnostic
	Severity       = highlight.Severity
	Attributes     = highlight.Attributes
	TextAttributes = highlight.TextAttributes
	TargetArea     = highlight.TargetArea

	Collaborator     = passes.Collaborator
	CollaboratorFunc = passes.CollaboratorFunc
	Emitter          = passes.Emitter
	RunContext       = passes.RunContext
	StageFactory     = passes.Factory
	StageInstance    = passes.Instance
	StageID          = passes.StageID
	ConfigError      = passes.ConfigError
	FaultError       = passes.FaultError

	CancelReason = progress.Reason
)

const (
	SevInformation = highlight.SevInformation
	SevWeakWarning = highlight.SevWeakWarning
	SevWarning     = highlight.SevWarning
	SevError       = highlight.SevError

	GeneralStageID   = passes.GeneralStageID
	FileLevelStageID = passes.FileLevelStageID
	NoForcedID       = passes.NoForcedID

	ReasonNone            = progress.ReasonNone
	ReasonDocumentChanged = progress.ReasonDocumentChanged
	ReasonRestart         = progress.ReasonRestart
	ReasonHeavyOperation  = progress.ReasonHeavyOperation
	ReasonBulkUpdate      = progress.ReasonBulkUpdate
	ReasonClosed          = progress.ReasonClosed
	ReasonShutdown        = progress.ReasonShutdown
)

// ErrCanceled is wrapped by every error that reports a cancelled run.
var ErrCanceled = progress.ErrCanceled

// FileLevelCollaborator is implemented by collaborators that report
// whole-file diagnostics. WithCollaborators routes them to the file-level
// stage.
type FileLevelCollaborator interface {
	Collaborator
	FileLevel() bool
}

// ParseSeverity parses a severity name such as "warning" or "error".
func ParseSeverity(s string) (Severity, error) { return highlight.ParseSeverity(s) }
