// Package tools implements the radare2 tool catalog served over MCP.
package tools

import (
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/BypasserThe/radare2-mcp/internal/mcp"
)

// Tool names, in catalog order.
const (
	ToolOpenFile    = "openFile"
	ToolCloseFile   = "closeFile"
	ToolRunCommand  = "runCommand"
	ToolAnalyze     = "analyze"
	ToolDisassemble = "disassemble"
)

// OpenFileArgs are the arguments of openFile.
type OpenFileArgs struct {
	FilePath string `json:"filePath" jsonschema_description:"Path to the file to open"`
}

// CloseFileArgs are the arguments of closeFile.
type CloseFileArgs struct{}

// RunCommandArgs are the arguments of runCommand.
type RunCommandArgs struct {
	Command string `json:"command" jsonschema_description:"Command to execute"`
}

// AnalyzeArgs are the arguments of analyze.
type AnalyzeArgs struct {
	Level string `json:"level,omitempty" jsonschema_description:"Analysis level (a, aa, aaa, aaaa)"`
}

// DisassembleArgs are the arguments of disassemble.
type DisassembleArgs struct {
	Address         string `json:"address" jsonschema_description:"Address to start disassembly"`
	NumInstructions int    `json:"numInstructions,omitempty" jsonschema_description:"Number of instructions to disassemble"`
}

var catalog = []struct {
	name        string
	description string
	args        interface{}
}{
	{ToolOpenFile, "Open a file for analysis", &OpenFileArgs{}},
	{ToolCloseFile, "Close the currently open file", &CloseFileArgs{}},
	{ToolRunCommand, "Run a radare2 command and get the output", &RunCommandArgs{}},
	{ToolAnalyze, "Run analysis on the current file", &AnalyzeArgs{}},
	{ToolDisassemble, "Disassemble instructions at a given address", &DisassembleArgs{}},
}

// Catalog returns the tool descriptors in their fixed order.
func Catalog() []mcp.Tool {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	tools := make([]mcp.Tool, 0, len(catalog))
	for _, entry := range catalog {
		tools = append(tools, mcp.Tool{
			Name:        entry.name,
			Description: entry.description,
			InputSchema: toInputSchema(r.Reflect(entry.args)),
		})
	}
	return tools
}

// toInputSchema flattens a reflected object schema into the wire schema.
func toInputSchema(s *jsonschema.Schema) mcp.InputSchema {
	schema := mcp.InputSchema{
		Type:       "object",
		Properties: map[string]mcp.Property{},
	}
	if s == nil || s.Type != "object" {
		return schema
	}

	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			schema.Properties[el.Key] = toProperty(el.Value)
		}
	}
	if len(s.Required) > 0 {
		schema.Required = append(schema.Required, s.Required...)
	}

	return schema
}

func toProperty(s *jsonschema.Schema) mcp.Property {
	if s == nil {
		return mcp.Property{}
	}
	p := mcp.Property{
		Type:        s.Type,
		Description: s.Description,
	}
	for _, v := range s.Enum {
		p.Enum = append(p.Enum, fmt.Sprint(v))
	}
	return p
}
