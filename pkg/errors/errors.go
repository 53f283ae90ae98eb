// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreEntityNotFound     Code = "store.entity.get.not_found"
	CodeStoreAppendConflict     Code = "store.append.conflict"
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreInvalidInput       Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeSnapshotUnavailable    Code = "snapshot.current.unavailable"
	CodeSnapshotTornRead       Code = "snapshot.read.torn"
	CodeSnapshotPublishFailure Code = "snapshot.publish.failure"

	CodeScoringCanonicalMissing Code = "scoring.canonical.missing"
	CodeScoringWeightsInvalid   Code = "scoring.weights.invalid_value"
	CodeScoringRecordFailure    Code = "scoring.record.append.failure"

	CodeModeSplitBrain         Code = "mode.record.split_brain"
	CodeModeRecordCorrupt      Code = "mode.record.corrupt"
	CodeModeTransitionInvalid  Code = "mode.transition.invalid_input"
	CodeModeTransitionDenied   Code = "mode.transition.denied"
	CodeModeTransitionConflict Code = "mode.transition.conflict"

	CodeGovernorRateExceeded         Code = "governor.admit.rate_exceeded"
	CodeGovernorTaskQuotaExceeded    Code = "governor.admit.task_quota_exceeded"
	CodeGovernorTaskBudgetExceeded   Code = "governor.admit.task_budget_exceeded"
	CodeGovernorAgentBudgetExceeded  Code = "governor.admit.agent_budget_exceeded"
	CodeGovernorGlobalBudgetExceeded Code = "governor.admit.global_budget_exceeded"
	CodeGovernorStepCeilingExceeded  Code = "governor.admit.step_ceiling_exceeded"
	CodeGovernorModeRestricted       Code = "governor.admit.mode_denied"
	CodeGovernorCountersUnavailable  Code = "governor.counters.unavailable"

	CodeSuspensionNotPending        Code = "suspension.review.not_pending_conflict"
	CodeSuspensionSelfReview        Code = "suspension.review.self_review_denied"
	CodeSuspensionRationaleRequired Code = "suspension.review.rationale_invalid_input"
	CodeSuspensionVerdictInvalid    Code = "suspension.review.verdict_invalid_input"

	CodeRegistryAgentNotFound    Code = "registry.agent.get.not_found"
	CodeRegistryAgentInactive    Code = "registry.agent.inactive_denied"
	CodeRegistryAgentSuspended   Code = "registry.agent.suspended_denied"
	CodeRegistryAgentExists      Code = "registry.agent.create.conflict"
	CodeRegistryTierInsufficient Code = "registry.tier.forbidden"

	CodeSubmitStaleContext Code = "submit.snapshot_hash.stale"
	CodeSubmitInvalidInput Code = "submit.invalid_input"

	CodeServerRequestInvalid   Code = "server.request.invalid_input"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerAuthForbidden    Code = "server.auth.forbidden"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerConfigInvalid    Code = "server.config.invalid_value"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"

	CodeCLICoreNotRunning  Code = "cli.core.not_running"
	CodeCLIRequestFailure  Code = "cli.request.failure"
	CodeCLIResponseInvalid Code = "cli.response.invalid_format"
	CodeCLISetupFailure    Code = "cli.setup.failure"
	CodeCLIInputInvalid    Code = "cli.input.invalid_input"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldAgentID(value string) Attr {
	return Field("agent_id", value)
}

func FieldTaskID(value string) Attr {
	return Field("task_id", value)
}

func FieldSnapshotHash(value string) Attr {
	return Field("snapshot_hash", value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func FieldModeLevel(value string) Attr {
	return Field("mode_level", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(recoded(err, code), "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(recoded(err, code), format, args...)
}

// recoded prepares err for wrapping under code. oops resolves Code() from
// the deepest error in the chain, so an already coded cause would override
// the code the wrapping layer chose. When the codes differ, the cause is
// placed behind a shim that keeps errors.Is working but is opaque to the
// oops attribute lookup.
func recoded(err error, code Code) error {
	if inner := CodeOf(err); inner == "" || inner == code {
		return err
	}
	return codeShim{err: err}
}

type codeShim struct{ err error }

func (s codeShim) Error() string { return s.err.Error() }

func (s codeShim) Is(target error) bool { return stderrors.Is(s.err, target) }

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	r := reason(CodeOf(err))
	return r == "conflict" || strings.HasSuffix(r, "_conflict")
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format" ||
		strings.HasSuffix(r, "_invalid_input")
}

func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied" || strings.HasSuffix(r, "_denied")
}

func IsCeilingExceeded(err error) bool {
	return strings.HasSuffix(reason(CodeOf(err)), "exceeded")
}

// IsFailClosed reports whether err is a staleness or integrity fault that
// callers must treat as a hard stop rather than a recoverable rejection.
func IsFailClosed(err error) bool {
	switch CodeOf(err) {
	case CodeSnapshotUnavailable, CodeSnapshotTornRead,
		CodeModeSplitBrain, CodeModeRecordCorrupt,
		CodeGovernorCountersUnavailable:
		return true
	default:
		return false
	}
}

func IsStale(err error) bool {
	r := reason(CodeOf(err))
	return r == "stale" || r == "unavailable" || r == "torn"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		r := reason(CodeOf(err))
		if r == "unauthorized" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case IsCeilingExceeded(err):
		return http.StatusTooManyRequests
	case IsStale(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
