package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Deploy, registry and credential sentinels. Structured errors below match
// these through errors.Is.
var (
	ErrDuplicateID         = errors.New("duplicate node id")
	ErrMissingTypes        = errors.New("missing node types")
	ErrMissingModules      = errors.New("missing modules")
	ErrTypeInUse           = errors.New("type in use")
	ErrAlreadyRegistered   = errors.New("type already registered")
	ErrUnknownModule       = errors.New("unknown module")
	ErrSettingsUnavailable = errors.New("settings unavailable")
	ErrCredentialDecrypt   = errors.New("credential decryption failed")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrInvalidDeployType   = errors.New("invalid deploy type")
	ErrDeployDeferred      = errors.New("deploy deferred until types are registered")
)

// Coded is implemented by errors that carry a stable machine-readable code
// for API responses and runtime-state events.
type Coded interface {
	Code() string
}

// Code returns the code of the first Coded error in err's chain, or "unexpected_error".
func Code(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "unexpected_error"
}

// DuplicateIDError reports an id used more than once in a deploy document or
// colliding with an already deployed node.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate node id: %s", e.ID)
}

// Is matches ErrDuplicateID
func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }

// Code implements Coded
func (e *DuplicateIDError) Code() string { return "duplicate_id" }

// MissingTypesError lists node types referenced by a config that have no
// registered constructor.
type MissingTypesError struct {
	Types []string
}

// NewMissingTypesError returns a MissingTypesError with sorted, de-duplicated types
func NewMissingTypesError(types []string) *MissingTypesError {
	return &MissingTypesError{Types: sortedUnique(types)}
}

func (e *MissingTypesError) Error() string {
	return fmt.Sprintf("missing node types: %s", strings.Join(e.Types, ", "))
}

// Is matches ErrMissingTypes
func (e *MissingTypesError) Is(target error) bool { return target == ErrMissingTypes }

// Code implements Coded
func (e *MissingTypesError) Code() string { return "missing_types" }

// MissingModulesError lists modules a config depends on that are not installed
// or are disabled.
type MissingModulesError struct {
	Modules []string
}

// NewMissingModulesError returns a MissingModulesError with sorted, de-duplicated names
func NewMissingModulesError(modules []string) *MissingModulesError {
	return &MissingModulesError{Modules: sortedUnique(modules)}
}

func (e *MissingModulesError) Error() string {
	return fmt.Sprintf("missing modules: %s", strings.Join(e.Modules, ", "))
}

// Is matches ErrMissingModules
func (e *MissingModulesError) Is(target error) bool { return target == ErrMissingModules }

// Code implements Coded
func (e *MissingModulesError) Code() string { return "missing_modules" }

// TypeInUseError reports that a node type cannot be removed because deployed
// nodes use it.
type TypeInUseError struct {
	Type  string
	Nodes []string
}

func (e *TypeInUseError) Error() string {
	return fmt.Sprintf("type in use: %s (%d nodes)", e.Type, len(e.Nodes))
}

// Is matches ErrTypeInUse
func (e *TypeInUseError) Is(target error) bool { return target == ErrTypeInUse }

// Code implements Coded
func (e *TypeInUseError) Code() string { return "type_in_use" }

type codedSentinel struct {
	err  error
	code string
}

var sentinelCodes = []codedSentinel{
	{ErrAlreadyRegistered, "already_registered"},
	{ErrUnknownModule, "unknown_module"},
	{ErrSettingsUnavailable, "settings_unavailable"},
	{ErrCredentialDecrypt, "credentials_decrypt_failed"},
	{ErrFlowNotFound, "not_found"},
	{ErrInvalidDeployType, "invalid_deploy_type"},
	{ErrDeployDeferred, "deploy_deferred"},
}

// CodeOf returns the code for err, covering both Coded errors and the plain sentinels.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	if IsInvalid(err) {
		return "invalid_request"
	}
	return "unexpected_error"
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
