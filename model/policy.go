package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Flow is a named stage of gateway processing to which policies attach.
type Flow string

// Known flows.
const (
	FlowRequest  Flow = "request"
	FlowResponse Flow = "response"
	FlowFault    Flow = "fault"
)

// Flows lists the known flows in gateway order.
var Flows = []Flow{FlowRequest, FlowResponse, FlowFault}

// ParseFlow validates a flow name.
func ParseFlow(v string) (Flow, error) {
	switch f := Flow(strings.ToLower(strings.TrimSpace(v))); f {
	case FlowRequest, FlowResponse, FlowFault:
		return f, nil
	}
	return "", fmt.Errorf("unknown flow %q", v)
}

// AttributeType is the declared type of a policy attribute.
type AttributeType string

// Attribute types.
const (
	AttributeString  AttributeType = "String"
	AttributeInteger AttributeType = "Integer"
	AttributeBoolean AttributeType = "Boolean"
	AttributeEnum    AttributeType = "Enum"
)

// PolicyAttribute describes one parameter of a policy.
type PolicyAttribute struct {
	Name            string        `json:"name" yaml:"name"`
	DisplayName     string        `json:"displayName" yaml:"displayName"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Type            AttributeType `json:"type" yaml:"type"`
	Required        bool          `json:"required" yaml:"required"`
	ValidationRegex string        `json:"validationRegex,omitempty" yaml:"validationRegex,omitempty"`
	AllowedValues   []string      `json:"allowedValues,omitempty" yaml:"allowedValues,omitempty"`
	DefaultValue    string        `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// PolicySpec is an immutable catalog entry.
type PolicySpec struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name,omitempty" yaml:"name,omitempty"`
	DisplayName       string            `json:"displayName" yaml:"displayName"`
	Description       string            `json:"description" yaml:"description"`
	Version           string            `json:"version,omitempty" yaml:"version,omitempty"`
	ApplicableFlows   []Flow            `json:"applicableFlows,omitempty" yaml:"applicableFlows,omitempty"`
	SupportedAPITypes []string          `json:"supportedApiTypes,omitempty" yaml:"supportedApiTypes,omitempty"`
	PolicyAttributes  []PolicyAttribute `json:"policyAttributes" yaml:"policyAttributes"`
}

// Attribute returns the attribute with the given name.
func (p PolicySpec) Attribute(name string) (PolicyAttribute, bool) {
	for _, a := range p.PolicyAttributes {
		if a.Name == name {
			return a, true
		}
	}
	return PolicyAttribute{}, false
}

// AppliesTo reports whether the policy may attach to the flow. A policy
// without declared flows applies everywhere.
func (p PolicySpec) AppliesTo(flow Flow) bool {
	if len(p.ApplicableFlows) == 0 {
		return true
	}
	for _, f := range p.ApplicableFlows {
		if f == flow {
			return true
		}
	}
	return false
}

// PolicyList is the backend envelope for catalog listings.
type PolicyList struct {
	Count int          `json:"count"`
	List  []PolicySpec `json:"list"`
}

// Value is a tagged policy parameter value.
type Value struct {
	Kind AttributeType
	Str  string
	Int  int64
	Bool bool
}

// StringValue returns a String value.
func StringValue(s string) Value { return Value{Kind: AttributeString, Str: s} }

// IntegerValue returns an Integer value.
func IntegerValue(i int64) Value { return Value{Kind: AttributeInteger, Int: i} }

// BoolValue returns a Boolean value.
func BoolValue(b bool) Value { return Value{Kind: AttributeBoolean, Bool: b} }

// EnumValue returns an Enum value.
func EnumValue(s string) Value { return Value{Kind: AttributeEnum, Str: s} }

// Interface returns the plain Go value.
func (v Value) Interface() any {
	switch v.Kind {
	case AttributeInteger:
		return v.Int
	case AttributeBoolean:
		return v.Bool
	default:
		return v.Str
	}
}

// String renders the value the way it is matched against validation regexes.
func (v Value) String() string {
	switch v.Kind {
	case AttributeInteger:
		return strconv.FormatInt(v.Int, 10)
	case AttributeBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// MarshalJSON writes the bare value; the tag is implied by the policy spec.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON infers the tag from the JSON type. Strings decode as String;
// catalog coercion turns them into Enum where the attribute says so.
func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ValueOf converts a decoded JSON or YAML scalar into a Value.
func ValueOf(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("number %s is not an integer", t)
		}
		return IntegerValue(i), nil
	case int:
		return IntegerValue(int64(t)), nil
	case int64:
		return IntegerValue(t), nil
	case float64:
		if t != float64(int64(t)) {
			return Value{}, fmt.Errorf("number %v is not an integer", t)
		}
		return IntegerValue(int64(t)), nil
	}
	return Value{}, fmt.Errorf("unsupported parameter value of type %T", raw)
}

// Parameters maps attribute names to values.
type Parameters map[string]Value

// Clone returns a copy of p.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// AttachedPolicy is one policy instance in a flow. UniqueKey is client-side
// identity for the editing session and is never persisted.
type AttachedPolicy struct {
	UniqueKey  string     `json:"uuid,omitempty"`
	PolicyID   string     `json:"policyId"`
	PolicyName string     `json:"policyName,omitempty"`
	Version    string     `json:"policyVersion,omitempty"`
	Parameters Parameters `json:"parameters"`
}

// Clone returns a deep copy of the attached policy.
func (a AttachedPolicy) Clone() AttachedPolicy {
	a.Parameters = a.Parameters.Clone()
	return a
}

// OperationPolicies holds the ordered policy list per flow. A missing key
// means the operation does not define that flow.
type OperationPolicies map[Flow][]AttachedPolicy

// Clone returns a deep copy.
func (op OperationPolicies) Clone() OperationPolicies {
	if op == nil {
		return nil
	}
	out := make(OperationPolicies, len(op))
	for flow, list := range op {
		cp := make([]AttachedPolicy, len(list))
		for i, p := range list {
			cp[i] = p.Clone()
		}
		out[flow] = cp
	}
	return out
}

// OperationKey identifies an API operation.
type OperationKey struct {
	Target string `json:"target"`
	Verb   string `json:"verb"`
}

// NewOperationKey normalizes the verb to upper case.
func NewOperationKey(target, verb string) OperationKey {
	return OperationKey{Target: target, Verb: strings.ToUpper(verb)}
}

func (k OperationKey) String() string {
	return k.Verb + " " + k.Target
}

// APIOperation is one (target, verb) of an API with its policies.
type APIOperation struct {
	ID                string            `json:"id,omitempty"`
	Target            string            `json:"target"`
	Verb              string            `json:"verb"`
	AuthType          string            `json:"authType,omitempty"`
	ThrottlingPolicy  string            `json:"throttlingPolicy,omitempty"`
	OperationPolicies OperationPolicies `json:"operationPolicies"`
}

// Key returns the operation key.
func (o APIOperation) Key() OperationKey {
	return NewOperationKey(o.Target, o.Verb)
}

// Clone returns a deep copy of the operation.
func (o APIOperation) Clone() APIOperation {
	o.OperationPolicies = o.OperationPolicies.Clone()
	return o
}

// API types.
const (
	APITypeHTTP  = "HTTP"
	APITypeAsync = "ASYNC"
)

// APIResource is the subset of the publisher API resource that policy
// editing reads and writes.
type APIResource struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Context    string         `json:"context,omitempty"`
	Type       string         `json:"type,omitempty"`
	Operations []APIOperation `json:"operations"`
}

// CloneOperations returns a deep copy of the operations.
func CloneOperations(ops []APIOperation) []APIOperation {
	out := make([]APIOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
