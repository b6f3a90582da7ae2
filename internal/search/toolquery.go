package search

import "strings"

// toolQueryKeys are the well-known tool input fields whose string values
// contribute to a tool-context query, in a fixed order so the query is
// deterministic for a given event.
var toolQueryKeys = []string{"file_path", "path", "pattern", "command"}

// ToolQuery builds a retrieval query from a tool-use event: the tool name
// followed by the string values of well-known input fields. For shell
// commands the first token is added separately, so "git push --force"
// also matches lessons about git generally.
func ToolQuery(toolName string, toolInput map[string]any) string {
	parts := []string{toolName}
	for _, key := range toolQueryKeys {
		val, ok := toolInput[key].(string)
		if !ok || val == "" {
			continue
		}
		parts = append(parts, val)
		if key == "command" {
			if fields := strings.Fields(val); len(fields) > 0 {
				parts = append(parts, fields[0])
			}
		}
	}
	return strings.Join(parts, " ")
}
