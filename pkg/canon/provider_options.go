package canon

import (
	"encoding/json"
	"fmt"
)

// ProviderID identifies a provider bucket key recognized by the
// provider_options selection rule (spec.md §3.1).
type ProviderID string

const (
	ProviderAny              ProviderID = "*"
	ProviderOpenAI           ProviderID = "openai"
	ProviderOpenAICompatible ProviderID = "openai-compatible"
	ProviderAnthropic        ProviderID = "anthropic"
	ProviderGoogle           ProviderID = "google"
	ProviderCohere           ProviderID = "cohere"
)

var bucketKeys = map[string]bool{
	string(ProviderAny):              true,
	string(ProviderOpenAI):           true,
	string(ProviderOpenAICompatible): true,
	string(ProviderAnthropic):        true,
	string(ProviderGoogle):           true,
	string(ProviderCohere):           true,
}

// ReasoningEffort is a recognized provider_options value.
type ReasoningEffort string

const (
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
	ReasoningXHigh  ReasoningEffort = "xhigh"
)

func (r ReasoningEffort) valid() bool {
	switch r {
	case ReasoningLow, ReasoningMedium, ReasoningHigh, ReasoningXHigh:
		return true
	}
	return false
}

// JSONSchemaResponseFormat is the recognized "response_format" shape.
type JSONSchemaResponseFormat struct {
	Name   string `json:"name"`
	Schema any    `json:"schema"`
	Strict *bool  `json:"strict,omitempty"`
}

// ResponseFormat is the recognized provider_options "response_format" value.
type ResponseFormat struct {
	Type       string                    `json:"type"`
	JSONSchema *JSONSchemaResponseFormat `json:"json_schema,omitempty"`
}

// EffectiveOptions is the result of selecting and type-validating
// provider_options for one target provider (spec.md §3.1 and §4.2 step 2).
type EffectiveOptions struct {
	ReasoningEffort     *ReasoningEffort
	ResponseFormat      *ResponseFormat
	ParallelToolCalls   *bool

	// Raw holds the remaining, unrecognized keys eligible for raw merge into
	// the provider's wire body (spec.md §4.2 step 6), with reserved keys
	// already decoded above excluded.
	Raw map[string]json.RawMessage
}

// SelectProviderOptions implements the bucketing/selection rule from
// spec.md §3.1: merges options["*"] with options[provider] (provider wins),
// or returns the whole object when it is not bucketed. A referenced bucket
// that is not a JSON object fails with an error.
func SelectProviderOptions(raw json.RawMessage, provider ProviderID) (*EffectiveOptions, error) {
	if len(raw) == 0 {
		return &EffectiveOptions{}, nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, newInvalidResponse("invalid provider_options: %v", err)
	}

	bucketed := false
	for k := range top {
		if bucketKeys[k] {
			bucketed = true
			break
		}
	}

	var merged map[string]json.RawMessage
	if !bucketed {
		merged = top
	} else {
		merged = map[string]json.RawMessage{}
		if any, ok := top[string(ProviderAny)]; ok {
			obj, err := asObject(any, string(ProviderAny))
			if err != nil {
				return nil, err
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		if specific, ok := top[string(provider)]; ok {
			obj, err := asObject(specific, string(provider))
			if err != nil {
				return nil, err
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
	}

	return parseEffectiveOptions(merged)
}

func asObject(raw json.RawMessage, bucket string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, newInvalidResponse("invalid provider_options: bucket %q must be an object", bucket)
	}
	return obj, nil
}

func parseEffectiveOptions(m map[string]json.RawMessage) (*EffectiveOptions, error) {
	out := &EffectiveOptions{Raw: map[string]json.RawMessage{}}
	for k, v := range m {
		switch k {
		case "reasoning_effort":
			var re ReasoningEffort
			if err := json.Unmarshal(v, &re); err != nil {
				return nil, newInvalidResponse("invalid provider_options: reasoning_effort must be a string")
			}
			if !re.valid() {
				return nil, newInvalidResponse("invalid provider_options: reasoning_effort %q not in {low,medium,high,xhigh}", re)
			}
			out.ReasoningEffort = &re
		case "response_format":
			var rf ResponseFormat
			if err := json.Unmarshal(v, &rf); err != nil {
				return nil, newInvalidResponse("invalid provider_options: response_format: %v", err)
			}
			if rf.Type == "json_schema" && rf.JSONSchema == nil {
				return nil, newInvalidResponse("invalid provider_options: response_format json_schema missing json_schema object")
			}
			out.ResponseFormat = &rf
		case "parallel_tool_calls":
			var b bool
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, newInvalidResponse("invalid provider_options: parallel_tool_calls must be a boolean")
			}
			out.ParallelToolCalls = &b
		default:
			out.Raw[k] = v
		}
	}
	return out, nil
}

// RawMerge merges the remaining unrecognized provider_options keys into a
// wire body map, skipping translator-reserved keys and recursively merging
// nested objects on overlap (spec.md §4.2 step 6). It returns the warnings
// produced by key collisions.
func RawMerge(body map[string]any, raw map[string]json.RawMessage, reserved map[string]bool) ([]Warning, error) {
	var warnings []Warning
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, newInvalidResponse("invalid provider_options: key %q: %v", k, err)
		}
		existing, overlap := body[k]
		if !overlap {
			body[k] = decoded
			continue
		}
		existingObj, existingIsObj := existing.(map[string]any)
		decodedObj, decodedIsObj := decoded.(map[string]any)
		if existingIsObj && decodedIsObj {
			sub, err := rawMergeNested(existingObj, decodedObj, fmt.Sprintf("%s.", k))
			if err != nil {
				return nil, err
			}
			warnings = append(warnings, sub...)
			continue
		}
		warnings = append(warnings, CompatibilityWarning(k, "provider_options key overlaps a translator-emitted field; keeping translator value"))
	}
	return warnings, nil
}

func rawMergeNested(existing, incoming map[string]any, prefix string) ([]Warning, error) {
	var warnings []Warning
	for k, v := range incoming {
		existingV, overlap := existing[k]
		if !overlap {
			existing[k] = v
			continue
		}
		existingObj, existingIsObj := existingV.(map[string]any)
		incomingObj, incomingIsObj := v.(map[string]any)
		if existingIsObj && incomingIsObj {
			sub, err := rawMergeNested(existingObj, incomingObj, prefix+k+".")
			if err != nil {
				return nil, err
			}
			warnings = append(warnings, sub...)
			continue
		}
		warnings = append(warnings, CompatibilityWarning(prefix+k, "provider_options key overlaps a translator-emitted field; keeping translator value"))
	}
	return warnings, nil
}
