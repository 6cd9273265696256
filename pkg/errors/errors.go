// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
//
// Codes are dotted paths shaped area.operation.reason. The last segment
// (the reason) drives classification and HTTP status mapping.
type Code string

const (
	CodeStoreThreadNotFound       Code = "store.thread.get.not_found"
	CodeStoreThreadFlagMismatch   Code = "store.thread.validation_flag.invalid_input"
	CodeStoreTurnCommitInvalid    Code = "store.turn.commit.invalid_input"
	CodeStoreKnowledgeNotFound    Code = "store.knowledge.get.not_found"
	CodeStoreBookingNotFound      Code = "store.booking.get.not_found"
	CodeStoreDatabaseFailure      Code = "store.database.failure"
	CodeStoreBackendUnsupported   Code = "store.backend.unsupported"
	CodeStoreInvalidInput         Code = "store.invalid_input"
	CodeStoreEmbeddingFailure     Code = "store.embedding.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigAlreadyExists        Code = "config.write.conflict"

	CodeSecretInvalidInput    Code = "secret.input.invalid"
	CodeSecretNotFound        Code = "secret.get.not_found"
	CodeSecretResolveFailure  Code = "secret.resolve.failure"
	CodeSecretStoreFailure    Code = "secret.store.failure"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"

	CodeAgentRunFailure      Code = "agent.run.failure"
	CodeAgentRunTimeout      Code = "agent.run.timeout"
	CodeAgentStepLimit       Code = "agent.run.step_limit_exceeded"
	CodeAgentToolNotFound    Code = "agent.tool.not_found"
	CodeAgentToolInvalidArgs Code = "agent.tool.arguments.invalid_input"
	CodeAgentToolFailure     Code = "agent.tool.failure"
	CodeAgentToolTimeout     Code = "agent.tool.timeout"
	CodeAgentRunInvalidState Code = "agent.run.state.invalid"

	CodeTurnSubmitInvalidInput Code = "turn.submit.invalid_input"
	CodeTurnPanic              Code = "turn.run.panic"
	CodeTurnCancelled          Code = "turn.run.cancelled"
	CodeTurnLaneClosed         Code = "turn.lane.unavailable"
	CodeTurnInvalidState       Code = "turn.state.invalid"

	CodeGuardrailValidateUnavailable Code = "guardrail.validate.unavailable"
	CodeGuardrailValidateTimeout     Code = "guardrail.validate.timeout"
	CodeGuardrailConsultUnavailable  Code = "guardrail.consult.unavailable"
	CodeGuardrailResponseInvalid     Code = "guardrail.response.invalid"
	CodeGuardrailPolicyInvalid       Code = "guardrail.policy.invalid"

	CodeFallbackGenerateFailure Code = "fallback.generate.failure"

	CodeAuditPublishFailure Code = "audit.publish.failure"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerRateLimited     Code = "server.request.rate_limited"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerUnavailable     Code = "server.orchestrator.unavailable"

	CodeCLIServerNotRunning Code = "cli.server.not_running"
	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLIResponseInvalid  Code = "cli.response.invalid"
	CodeCLIInputInvalid     Code = "cli.input.invalid"
	CodeCLISetupFailure     Code = "cli.setup.failure"
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

func FieldThreadID(value string) Attr {
	return Field("thread_id", value)
}

func FieldTurnID(value string) Attr {
	return Field("turn_id", value)
}

func FieldToolName(value string) Attr {
	return Field("tool_name", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
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

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

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

// CodeOf returns the innermost code in the chain, or "" for uncoded errors.
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

// HasArea reports whether the error code starts with the given area,
// e.g. HasArea(err, "guardrail").
func HasArea(err error, area string) bool {
	code := string(CodeOf(err))
	return code != "" && strings.HasPrefix(code, area+".")
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "rate_limited"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternalFailure).Wrap(joined)
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
