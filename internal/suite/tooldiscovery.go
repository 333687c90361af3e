package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// ToolDiscoverySuite lists the target's tools and checks the catalog:
// unique names, JSON-Schema input schemas, presence of every required tool
// and a warning per tool without a description.
type ToolDiscoverySuite struct{}

func NewToolDiscoverySuite() *ToolDiscoverySuite { return &ToolDiscoverySuite{} }

func (s *ToolDiscoverySuite) Name() string        { return "tool-discovery" }
func (s *ToolDiscoverySuite) Version() string     { return "1.0.0" }
func (s *ToolDiscoverySuite) Description() string { return "tools/list catalog conformance" }
func (s *ToolDiscoverySuite) Tags() []string      { return []string{"core", "conformance", "tools"} }

func (s *ToolDiscoverySuite) Validate(cfg *config.Config) ValidationResult {
	for _, te := range cfg.Expectations.Tools {
		if te.Name == "" {
			return Invalid("expectations.tools entries require a name")
		}
	}
	return Valid()
}

func (s *ToolDiscoverySuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
	started := time.Now()
	rec := newCaseRecorder(s.Name(), tc)

	var tools []mcp.Tool
	rec.Run("list-tools", func() (map[string]interface{}, error) {
		if _, err := tc.EnsureInitialized(ctx); err != nil {
			return nil, err
		}
		listed, err := tc.Client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		tools = listed
		return map[string]interface{}{"count": len(tools)}, nil
	})

	if tools == nil {
		return rec.finish(s.Name(), started)
	}

	rec.Run("unique-names", func() (map[string]interface{}, error) {
		seen := make(map[string]bool, len(tools))
		var duplicates []string
		for _, tool := range tools {
			if seen[tool.Name] {
				duplicates = append(duplicates, tool.Name)
			}
			seen[tool.Name] = true
		}
		if len(duplicates) > 0 {
			return map[string]interface{}{"duplicates": duplicates}, failf("duplicate tool names: %v", duplicates)
		}
		return nil, nil
	})

	rec.Run("input-schemas", func() (map[string]interface{}, error) {
		var invalid []string
		for _, tool := range tools {
			if err := validateInputSchema(tool); err != nil {
				invalid = append(invalid, fmt.Sprintf("%s: %v", tool.Name, err))
			}
		}
		if len(invalid) > 0 {
			return map[string]interface{}{"invalid": invalid}, failf("%d tool(s) with invalid input schemas", len(invalid))
		}
		return map[string]interface{}{"validated": len(tools)}, nil
	})

	if required := requiredTools(tc.Config.Expectations.Tools); len(required) > 0 {
		rec.Run("required-tools", func() (map[string]interface{}, error) {
			present := make(map[string]bool, len(tools))
			for _, tool := range tools {
				present[tool.Name] = true
			}
			var missing []string
			for _, name := range required {
				if !present[name] {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				return map[string]interface{}{"missing": missing}, failf("required tools not exposed: %v", missing)
			}
			return nil, nil
		})
	}

	var undescribed []string
	for _, tool := range tools {
		if tool.Description == "" {
			undescribed = append(undescribed, tool.Name)
		}
	}
	if len(undescribed) > 0 {
		warnings := make([]string, len(undescribed))
		for i, name := range undescribed {
			warnings[i] = fmt.Sprintf("tool %q has no description", name)
		}
		rec.Warn("descriptions", warnings, map[string]interface{}{"undescribed": undescribed})
	}

	return rec.finish(s.Name(), started)
}

// validateInputSchema requires a schema that compiles as JSON Schema and
// carries at least one structural keyword.
func validateInputSchema(tool mcp.Tool) error {
	if len(tool.InputSchema) == 0 {
		return fmt.Errorf("no inputSchema")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(tool.InputSchema, &keys); err != nil {
		return fmt.Errorf("inputSchema is not an object: %w", err)
	}
	if _, hasType := keys["type"]; !hasType {
		if _, hasProps := keys["properties"]; !hasProps {
			if _, hasRef := keys["$ref"]; !hasRef {
				return fmt.Errorf("inputSchema lacks type, properties and $ref")
			}
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("inputSchema unreadable: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://tools/" + tool.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("inputSchema rejected: %w", err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("inputSchema does not compile: %w", err)
	}
	return nil
}

func requiredTools(expectations []config.ToolExpectation) []string {
	var names []string
	for _, te := range expectations {
		if te.Required {
			names = append(names, te.Name)
		}
	}
	return names
}
