// Package sandbox drives the container-backed execution environment each
// agent loop iteration dispatches actions into: one container per task,
// bound to a single read-write /workspace.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/agentd/internal/config"
)

// Sandbox is a single task's container-backed executor.
type Sandbox struct {
	mu           sync.Mutex
	cli          *client.Client
	containerID  string
	taskID       string
	workspaceDir string
	pythonBinary string
	execTimeout  time.Duration
	stopTimeout  time.Duration
}

// Start launches a container from the configured image, binding workspaceDir
// to /workspace with working directory /workspace and stdin kept open. A
// missing image is a hard startup error.
func Start(ctx context.Context, cfg config.Sandbox, taskID, workspaceDir string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: init docker client: %w", err)
	}

	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create workspace dir: %w", err)
	}
	workspacePath, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace dir: %w", err)
	}

	containerName := fmt.Sprintf("agentd-task-%s-%d", taskID, time.Now().UnixNano())

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        false,
		OpenStdin:  true,
		WorkingDir: "/workspace",
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspacePath, Target: "/workspace"},
		},
		Resources: container.Resources{
			Memory:   cfg.MemoryBytes,
			NanoCPUs: int64(cfg.NanoCPUs * 1e9),
		},
		AutoRemove: false,
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container (image %s): %w", cfg.Image, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	return &Sandbox{
		cli:          cli,
		containerID:  resp.ID,
		taskID:       taskID,
		workspaceDir: workspacePath,
		pythonBinary: cfg.PythonBinary,
		execTimeout:  cfg.ExecTimeout.Duration,
		stopTimeout:  cfg.StopTimeout.Duration,
	}, nil
}

// Stop terminates the container with a short grace period. It is safe to
// call on every exit path (success, cap hit, exception).
func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	if id == "" {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout+5*time.Second)
	defer cancel()

	timeoutSecs := int(s.stopTimeout.Seconds())
	if err := s.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		// fall through to remove regardless
	}
	return s.cli.ContainerRemove(stopCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// runInContainer execs argv inside the running container, demuxing combined
// stdout/stderr via stdcopy, and bounds the call with a per-exec timeout.
func (s *Sandbox) runInContainer(ctx context.Context, argv []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.execTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execConfig := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/workspace",
	}

	execID, err := s.cli.ContainerExecCreate(execCtx, s.containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(execCtx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("sandbox: demux exec output: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:" + errOut
	}
	return out, nil
}

// ExecutePython writes code to a temp file under the workspace and runs it
// with the sandbox's configured Python interpreter.
func (s *Sandbox) ExecutePython(ctx context.Context, code string) (string, error) {
	name := fmt.Sprintf("_agentd_exec_%d.py", time.Now().UnixNano())
	hostPath := filepath.Join(s.workspaceDir, name)
	if err := os.WriteFile(hostPath, []byte(code), 0644); err != nil {
		return "", fmt.Errorf("sandbox: write python script: %w", err)
	}
	defer os.Remove(hostPath)

	return s.runInContainer(ctx, []string{s.pythonBinary, "/workspace/" + name}, 0)
}

// ShellCommand runs command under a POSIX shell inside the container.
func (s *Sandbox) ShellCommand(ctx context.Context, command string) (string, error) {
	return s.runInContainer(ctx, []string{"sh", "-c", command}, 0)
}

// browserActionTemplate synthesizes a Playwright script for one
// browser_navigate operation. Templating (rather than string concatenation)
// keeps operator-and-LLM-supplied url/selector/value values from breaking
// out of their Python string literals.
var browserActionTemplate = template.Must(template.New("browser").Parse(`
from playwright.sync_api import sync_playwright

with sync_playwright() as p:
    browser = p.chromium.launch(headless=True)
    page = browser.new_page()
    page.goto({{printf "%q" .URL}}, wait_until="networkidle")
{{if eq .Op "navigate"}}
    print(page.content())
{{else if eq .Op "get_text"}}
    element = page.query_selector({{printf "%q" .Selector}})
    print(element.inner_text() if element else "Element not found")
{{else if eq .Op "screenshot"}}
    page.screenshot(path="/workspace/screenshot.png", full_page=True)
    print("Screenshot saved to /workspace/screenshot.png")
{{else if eq .Op "click"}}
    page.click({{printf "%q" .Selector}})
    page.wait_for_load_state("networkidle")
    print("Clicked on " + {{printf "%q" .Selector}})
{{else if eq .Op "fill_form"}}
    page.fill({{printf "%q" .Selector}}, {{printf "%q" .Value}})
    print("Filled " + {{printf "%q" .Selector}})
{{else if eq .Op "extract_links"}}
    links = page.query_selector_all("a[href]")
    urls = [l.get_attribute("href") for l in links]
    print("\n".join(urls[:50]))
{{end}}
    browser.close()
`))

type browserActionParams struct {
	URL      string
	Op       string
	Selector string
	Value    string
}

// BrowserNavigate synthesizes and runs a Playwright script for one browser
// operation (navigate, get_text, screenshot, click, fill_form, extract_links).
func (s *Sandbox) BrowserNavigate(ctx context.Context, url, op, selector, value string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	var buf bytes.Buffer
	if err := browserActionTemplate.Execute(&buf, browserActionParams{URL: url, Op: op, Selector: selector, Value: value}); err != nil {
		return "", fmt.Errorf("sandbox: render browser script: %w", err)
	}
	return s.ExecutePython(ctx, buf.String())
}

// searchTemplate synthesizes a requests+BeautifulSoup scrape of DuckDuckGo's
// HTML search endpoint, grounded in the original agent's web_search tool.
var searchTemplate = template.Must(template.New("search").Parse(`
import requests
from bs4 import BeautifulSoup
import json

query = {{printf "%q" .Query}}
url = "https://html.duckduckgo.com/html/?q=" + requests.utils.quote(query)
headers = {"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"}

response = requests.get(url, headers=headers, timeout=30)
soup = BeautifulSoup(response.text, "html.parser")

results = []
for result in soup.find_all("div", class_="result")[:{{.NumResults}}]:
    title_elem = result.find("a", class_="result__a")
    snippet_elem = result.find("a", class_="result__snippet")
    if title_elem:
        results.append({
            "title": title_elem.get_text(strip=True),
            "url": title_elem.get("href", ""),
            "snippet": snippet_elem.get_text(strip=True) if snippet_elem else "",
        })

print(json.dumps(results, indent=2))
`))

type searchParams struct {
	Query      string
	NumResults int
}

// WebSearch synthesizes and runs a DuckDuckGo HTML scrape, returning up to
// numResults {title, url, snippet} entries as a JSON array.
func (s *Sandbox) WebSearch(ctx context.Context, query string, numResults int) (string, error) {
	if numResults <= 0 {
		numResults = 5
	}
	var buf bytes.Buffer
	if err := searchTemplate.Execute(&buf, searchParams{Query: query, NumResults: numResults}); err != nil {
		return "", fmt.Errorf("sandbox: render search script: %w", err)
	}
	return s.ExecutePython(ctx, buf.String())
}

// IsAlive reports whether the sandbox's container is still running.
func (s *Sandbox) IsAlive(ctx context.Context) bool {
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	if id == "" {
		return false
	}

	inspectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	inspect, err := s.cli.ContainerInspect(inspectCtx, id)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// CleanDeadSessions removes stopped agentd-task-* containers left behind by
// an unclean shutdown.
func CleanDeadSessions(ctx context.Context) (int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return 0, fmt.Errorf("sandbox: init docker client: %w", err)
	}
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	containers, err := cli.ContainerList(listCtx, container.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("sandbox: list containers: %w", err)
	}

	killed := 0
	for _, c := range containers {
		isAgentd := false
		for _, name := range c.Names {
			if strings.HasPrefix(name, "/agentd-task-") {
				isAgentd = true
				break
			}
		}
		if isAgentd && c.State != "running" {
			if err := cli.ContainerRemove(listCtx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err == nil {
				killed++
			}
		}
	}
	return killed, nil
}

// IsDockerAvailable checks that a Docker daemon is reachable.
func IsDockerAvailable() bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err == nil
}
