package deploy

import "fmt"

// Validation rules reported to clients.
const (
	RuleName                = "name"
	RuleCredential          = "credential"
	RuleCredentialRejected  = "credential_rejected"
	RuleArchiveSize         = "archive_size"
	RuleArchiveFormat       = "archive_format"
	RuleArchiveManifest     = "archive_manifest"
	RuleArchiveEntry        = "archive_entry"
	RuleArchiveExpandedSize = "archive_expanded_size"
)

// ValidationError is returned by Create when the upload is rejected. No project
// record exists after one is returned.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func invalid(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Build stages.
const (
	StageWorkspace = "workspace"
	StageFetch     = "fetch_archive"
	StageExtract   = "extract"
	StageRecipe    = "runtime_prepare"
	StageImage     = "docker_build"
	StageLaunch    = "container_start"
)

// BuildError describes a failed build step. Output carries the tail of the
// tool output captured before the failure.
type BuildError struct {
	Stage  string
	Err    error
	Output []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
