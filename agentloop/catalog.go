package agentloop

// CodeEngineerTools returns the code-engineer tool catalog in the order it
// is offered to the model.
func CodeEngineerTools(tokens TokenTable) []Tool {
	return []Tool{
		WriteFileTool(),
		ReadFileTool(),
		ListFilesTool(),
		ExecTool(),
		ProcessStatusTool(),
		GitTool(),
		GlobTool(),
		GrepTool(),
		TokenLookupTool(tokens),
	}
}

// NewCodeEngineerRegistry builds a registry holding the code-engineer
// catalog. A nil table uses DefaultTokens.
func NewCodeEngineerRegistry(tokens TokenTable) *ToolRegistry {
	return NewToolRegistry().MustRegister(CodeEngineerTools(tokens)...)
}
