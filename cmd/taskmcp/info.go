package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	flagInfoOpenCode bool
	flagInfoClaude   bool
	flagInfoCursor   bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print server overview and client configuration snippets",
	Run: func(cmd *cobra.Command, args []string) {
		switch {
		case flagInfoOpenCode:
			printClientConfig("OpenCode", ".opencode.json or opencode.json")
		case flagInfoClaude:
			printClientConfig("Claude Desktop", "claude_desktop_config.json")
		case flagInfoCursor:
			printClientConfig("Cursor", ".cursor/mcp.json")
		default:
			printGeneralInfo()
		}
	},
}

func init() {
	infoCmd.Flags().BoolVar(&flagInfoOpenCode, "opencode", false, "show OpenCode MCP client configuration")
	infoCmd.Flags().BoolVar(&flagInfoClaude, "claude", false, "show Claude Desktop MCP client configuration")
	infoCmd.Flags().BoolVar(&flagInfoCursor, "cursor", false, "show Cursor MCP client configuration")
}

func printGeneralInfo() {
	fmt.Fprintf(os.Stdout, `Task MCP %s — repository-scoped change management server

Task MCP manages change folders under openspec/changes/ in the target
repository. Every change moves through the same lifecycle:

  open (scaffold from template) → edit → archive (validate + receipt)

TRANSPORT MODES

  stdio (default)
    JSON-RPC 2.0 over stdin/stdout. Used when launched as a subprocess
    by an MCP client. Logs go to stderr.

  http ("taskmcp serve")
    Streaming HTTP transport with two framings of the same event
    sequence (start, progress, result|error, end):

    NDJSON:        POST /mcp
    SSE:           POST /sse
    Liveness:      GET /healthz
    Readiness:     GET /readyz
    Metrics:       GET /metrics
    Default port:  8443

TOOLS (4)

  change.open     Create a change folder from a template, optionally
                  holding its advisory lock
  change.archive  Validate a change and seal it with receipt.json
  change.list     Page through active changes, newest first
  change.release  Release an advisory lock held on a change

RESOURCES

  change://<slug>   proposal.md and tasks.md of an active change

ARCHIVAL RECEIPTS

  Archiving validates the change structure, gathers commits and touched
  files from version control when available, runs the configured test
  command, and writes a schema-validated receipt.json into the change
  folder. A change with a receipt is archived and immutable; archiving
  it again returns the existing receipt.

CLIENT CONFIGURATION

  taskmcp info --opencode    OpenCode (.opencode.json)
  taskmcp info --claude      Claude Desktop (claude_desktop_config.json)
  taskmcp info --cursor      Cursor (.cursor/mcp.json)
`, Version)
}

func printClientConfig(client, file string) {
	fmt.Fprintf(os.Stdout, `%s — stdio mode
%s

Add to %s:

{
  "mcpServers": {
    "taskmcp": {
      "command": "taskmcp",
      "args": ["stdio"],
      "env": {
        "WORKING_DIRECTORY": "/path/to/your/repo"
      }
    }
  }
}

Task MCP runs as a subprocess — no server needed. For a shared HTTP
deployment use:

{
  "mcpServers": {
    "taskmcp": {
      "type": "streamable-http",
      "url": "http://your-taskmcp-server:8443/mcp",
      "headers": {
        "Authorization": "Bearer your_token_here"
      }
    }
  }
}
`, client, strings.Repeat("─", len(client)+13), file)
}
