// Package contract renders a decision contract's JSON Schema as a
// natural-language instruction clause and extracts/validates a model's
// structured response against that schema.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract compiles a decision contract's JSON Schema once and reuses the
// compiled schema for every trial's validation.
type Contract struct {
	ID     string
	schema *jsonschema.Schema
}

// Compile compiles schemaDoc (as decoded from config.DecisionContract.Schema)
// under the given contract id, so validation errors can name the contract.
func Compile(id string, schemaDoc map[string]interface{}) (*Contract, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("contract %s: marshal schema: %w", id, err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("contract %s: decode schema: %w", id, err)
	}

	url := "arbiter://contract/" + id
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("contract %s: add resource: %w", id, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("contract %s: compile schema: %w", id, err)
	}

	return &Contract{ID: id, schema: schema}, nil
}

// Instruction renders the contract's schema as a natural-language clause
// appended to the system message.
func Instruction(schemaDoc map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object matching this schema")
	if title, ok := schemaDoc["title"].(string); ok && title != "" {
		fmt.Fprintf(&b, " (%s)", title)
	}
	b.WriteString(":\n")

	if props, ok := schemaDoc["properties"].(map[string]interface{}); ok {
		required := stringSet(schemaDoc["required"])
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			desc := fieldDescription(props[name])
			marker := ""
			if required[name] {
				marker = " (required)"
			}
			fmt.Fprintf(&b, "- %s%s: %s\n", name, marker, desc)
		}
	}

	b.WriteString("Return only the JSON object, no surrounding prose.")
	return b.String()
}

func fieldDescription(raw interface{}) string {
	field, ok := raw.(map[string]interface{})
	if !ok {
		return "any"
	}
	typ, _ := field["type"].(string)
	desc, _ := field["description"].(string)
	switch {
	case typ != "" && desc != "":
		return fmt.Sprintf("%s — %s", typ, desc)
	case typ != "":
		return typ
	case desc != "":
		return desc
	default:
		return "any"
	}
}

func stringSet(raw interface{}) map[string]bool {
	set := map[string]bool{}
	items, _ := raw.([]interface{})
	for _, item := range items {
		if s, ok := item.(string); ok {
			set[s] = true
		}
	}
	return set
}

// ParseStatus is the outcome of extracting and validating structured output
// from a trial's assistant text.
type ParseStatus string

const (
	ParseSuccess ParseStatus = "success"
	ParseFallback ParseStatus = "fallback"
	ParseFailed   ParseStatus = "failed"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractionMethod names which pass over the assistant text produced the
// candidate JSON, or that none did.
type ExtractionMethod string

const (
	ExtractionFenced   ExtractionMethod = "fenced"
	ExtractionUnfenced ExtractionMethod = "unfenced"
	ExtractionRaw      ExtractionMethod = "raw"
)

// ParserVersion tags the extraction/validation logic version a parsed
// output record was produced by.
const ParserVersion = "contract-extract-v1"

// Result is the outcome of extracting and validating one trial's
// structured output.
type Result struct {
	Decision  map[string]interface{}
	Status    ParseStatus
	Method    ExtractionMethod
	ParseError string
}

// Extract attempts fenced-JSON then unfenced-JSON extraction from content,
// then validates the result against the contract schema if one was
// extracted.
func (c *Contract) Extract(content string) Result {
	raw, method, extracted := extractJSON(content)
	if !extracted {
		return Result{Status: ParseFailed, Method: ExtractionRaw, ParseError: "no JSON object found in assistant content"}
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Result{Status: ParseFallback, Method: method, ParseError: fmt.Sprintf("decode candidate JSON: %v", err)}
	}

	if c != nil && c.schema != nil {
		instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return Result{Decision: decoded, Status: ParseFallback, Method: method, ParseError: fmt.Sprintf("re-decode for schema validation: %v", err)}
		}
		if err := c.schema.Validate(instance); err != nil {
			return Result{Decision: decoded, Status: ParseFallback, Method: method, ParseError: fmt.Sprintf("schema validation: %v", err)}
		}
	}

	return Result{Decision: decoded, Status: ParseSuccess, Method: method}
}

// extractJSON returns the candidate JSON substring, which pass found it,
// and whether extraction succeeded at all.
func extractJSON(content string) (string, ExtractionMethod, bool) {
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1]), ExtractionFenced, true
	}

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start == -1 || end == -1 || end <= start {
		return "", ExtractionRaw, false
	}
	candidate := content[start : end+1]
	var probe interface{}
	if json.Unmarshal([]byte(candidate), &probe) != nil {
		return "", ExtractionRaw, false
	}
	return candidate, ExtractionUnfenced, true
}
