package agent

import (
	"encoding/json"

	"github.com/antigravity-dev/agentd/internal/llmclient"
)

// Kind names one variant of the Action tagged union.
type Kind string

const (
	ExecutePython   Kind = "execute_python"
	ShellCommand    Kind = "shell_command"
	BrowserNavigate Kind = "browser_navigate"
	WebSearch       Kind = "web_search"
	SaveFile        Kind = "save_file"
	ReadFile        Kind = "read_file"
	Complete        Kind = "complete"
	Unknown         Kind = "unknown"
)

// Action is the tagged union of everything the agent loop can dispatch to
// the sandbox or workspace. It is constructed solely from the LLM's
// tool-call response; an unrecognized tool name collapses to Unknown.
type Action struct {
	Kind Kind

	Code    string // execute_python
	Command string // shell_command

	URL      string // browser_navigate
	Op       string
	Selector string
	Value    string

	Query      string // web_search
	NumResults int

	Filename string // save_file / read_file
	Content  string // save_file

	Summary     string // complete
	OutputFiles []string
}

// Catalog is the tool catalog offered to the LLM on every iteration.
var Catalog = []llmclient.Tool{
	{
		Name:        string(ExecutePython),
		Description: "Execute a Python script in the task sandbox and capture its stdout/stderr.",
		Parameters:  map[string]any{"code": "string"},
	},
	{
		Name:        string(ShellCommand),
		Description: "Run a shell command in the task sandbox and capture its stdout/stderr.",
		Parameters:  map[string]any{"command": "string"},
	},
	{
		Name:        string(BrowserNavigate),
		Description: "Drive a headless browser: navigate, get_text, screenshot, click, fill_form, or extract_links.",
		Parameters:  map[string]any{"url": "string", "op": "string", "selector": "string", "value": "string"},
	},
	{
		Name:        string(WebSearch),
		Description: "Search the public web and return the top results as title/url/snippet triples.",
		Parameters:  map[string]any{"query": "string", "num_results": "integer"},
	},
	{
		Name:        string(SaveFile),
		Description: "Save content to a file in the task workspace.",
		Parameters:  map[string]any{"filename": "string", "content": "string"},
	},
	{
		Name:        string(ReadFile),
		Description: "Read a file from the task workspace.",
		Parameters:  map[string]any{"filename": "string"},
	},
	{
		Name:        string(Complete),
		Description: "Signal that the task is finished, with a summary and optional list of output files.",
		Parameters:  map[string]any{"summary": "string", "output_files": "array"},
	},
}

// ParseAction builds an Action from a tool call's normalized arguments. An
// unrecognized tool name collapses to Unknown; the loop treats Unknown as a
// no-op observation rather than failing the iteration.
func ParseAction(call llmclient.ToolCall) Action {
	args := call.Arguments

	switch Kind(call.Name) {
	case ExecutePython:
		return Action{Kind: ExecutePython, Code: argString(args, "code")}
	case ShellCommand:
		return Action{Kind: ShellCommand, Command: argString(args, "command")}
	case BrowserNavigate:
		return Action{
			Kind:     BrowserNavigate,
			URL:      argString(args, "url"),
			Op:       argString(args, "op"),
			Selector: argString(args, "selector"),
			Value:    argString(args, "value"),
		}
	case WebSearch:
		n := argInt(args, "num_results", 5)
		return Action{Kind: WebSearch, Query: argString(args, "query"), NumResults: n}
	case SaveFile:
		return Action{Kind: SaveFile, Filename: argString(args, "filename"), Content: argString(args, "content")}
	case ReadFile:
		return Action{Kind: ReadFile, Filename: argString(args, "filename")}
	case Complete:
		return Action{
			Kind:        Complete,
			Summary:     argString(args, "summary"),
			OutputFiles: argStringSlice(args, "output_files"),
		}
	default:
		return Action{Kind: Unknown}
	}
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func argInt(args map[string]any, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func argStringSlice(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
