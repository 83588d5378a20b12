package llmgateway

import "fmt"

// ProviderNotFoundError is returned when a role resolves to a provider name
// absent from the [providers] configuration table.
type ProviderNotFoundError struct {
	Provider string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("llmgateway: provider %q not found", e.Provider)
}

// ModelNotSupportedError is returned when a role name has no entry in the
// [models] configuration table.
type ModelNotSupportedError struct {
	Role string
}

func (e *ModelNotSupportedError) Error() string {
	return fmt.Sprintf("llmgateway: no model configured for role %q", e.Role)
}

// MissingAPIKeyError is returned when a provider's configured environment
// variable is unset or empty.
type MissingAPIKeyError struct {
	Provider string
	EnvVar   string
}

func (e *MissingAPIKeyError) Error() string {
	return fmt.Sprintf("llmgateway: provider %q: environment variable %q is not set", e.Provider, e.EnvVar)
}

// SchemaError is returned when a structured response fails JSON-schema
// validation. Callers (the Brain roles) use Message to build a targeted
// retry prompt.
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llmgateway: schema validation failed: %s", e.Message)
}

// BudgetExceededError is returned when a call would exceed
// max_llm_calls_per_message for the current message.
type BudgetExceededError struct {
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("llmgateway: call budget of %d exceeded for this message", e.Limit)
}
