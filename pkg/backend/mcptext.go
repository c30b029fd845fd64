package backend

import mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

// ExtractText concatenates every text content block in an MCP tool
// call result, ignoring any other content kind (image, embedded
// resource, ...). Shared by subprocessprovider and httpprovider, whose
// conn.SendPrompt both drive a single CallTool per turn and need the
// same flattening into one RenderEvent chunk.
func ExtractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var out string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
