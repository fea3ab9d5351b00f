package kms

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

const joinPolicySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["snp"],
  "properties": {
    "snp": {
      "type": "object",
      "required": ["hostData"],
      "properties": {
        "hostData": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
        }
      }
    }
  }
}`

var joinPolicySchemaLoader = mustSchema(joinPolicySchema)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateJoinPolicy checks the policy shape. The most fundamental problem
// wins: PolicyMissing, then SnpKeyMissing, HostDataKeyMissing, InvalidHostData.
func ValidateJoinPolicy(policy *interfaces.NetworkJoinPolicy) error {
	if policy == nil {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodePolicyMissing,
			"CCF NetworkJoinPolicy must be supplied")
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "encoding join policy")
	}
	return ValidateJoinPolicyJSON(raw)
}

// ValidateJoinPolicyJSON validates a raw join policy document.
func ValidateJoinPolicyJSON(raw []byte) error {
	result, err := joinPolicySchemaLoader.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "join policy is not valid JSON")
	}
	if result.Valid() {
		return nil
	}

	worst := len(policyViolations)
	var detail string
	for _, resultErr := range result.Errors() {
		if rank := violationRank(resultErr); rank < worst {
			worst = rank
			detail = resultErr.String()
		}
	}
	if worst == len(policyViolations) {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeBadInput, "%s", result.Errors()[0].String())
	}
	v := policyViolations[worst]
	return interfaces.NewError(interfaces.ValidationError, v.code, "%s (%s)", v.message, detail)
}

var policyViolations = []struct {
	code    string
	message string
}{
	{interfaces.CodePolicyMissing, "CCF NetworkJoinPolicy must be supplied"},
	{interfaces.CodeSnpKeyMissing, "snp key is missing"},
	{interfaces.CodeHostDataKeyMissing, "snp.hostData value is missing"},
	{interfaces.CodeInvalidHostData, "hostData hex string must have 64 characters"},
}

func violationRank(e gojsonschema.ResultError) int {
	field := e.Field()
	property, _ := e.Details()["property"].(string)

	switch {
	case field == gojsonschema.STRING_CONTEXT_ROOT && e.Type() == "invalid_type":
		return 0
	case field == gojsonschema.STRING_CONTEXT_ROOT && property == "snp",
		field == "snp" && e.Type() == "invalid_type":
		return 1
	case field == "snp" && property == "hostData",
		field == "snp.hostData" && (e.Type() == "invalid_type" || e.Type() == "array_min_items"):
		return 2
	case strings.HasPrefix(field, "snp.hostData."):
		return 3
	default:
		return len(policyViolations)
	}
}
