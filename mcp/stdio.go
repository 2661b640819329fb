package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	chatcore "github.com/chatcore/chatcore"
)

// sandboxImage is the disposable container image stdio tool servers run in
// when their McpServer descriptor sets Sandboxed. The server's Command and
// Args become the container's entrypoint command.
const sandboxImage = "alpine:3.20"

const defaultCallTimeout = 30 * time.Second

// processIO abstracts a subprocess's stdio streams, whether it runs as a
// bare host process or inside a sandboxed container.
type processIO interface {
	io.WriteCloser
	Reader() *bufio.Scanner
	Wait() error
}

// StdioTransport is a Transport backed by a long-lived subprocess speaking
// line-delimited JSON-RPC 2.0 over stdin/stdout, per the MCP stdio binding.
type StdioTransport struct {
	proc   processIO
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
}

// NewStdioTransport launches server's command (as a host subprocess, or
// inside a disposable container when server.Sandboxed is set) and returns a
// Transport bound to its stdio streams.
func NewStdioTransport(ctx context.Context, server chatcore.McpServer) (*StdioTransport, error) {
	if server.Command == "" {
		return nil, fmt.Errorf("mcp: stdio server %q has no command", server.Name)
	}

	var proc processIO
	var err error
	if server.Sandboxed {
		proc, err = newContainerProcess(ctx, server)
	} else {
		proc, err = newHostProcess(server)
	}
	if err != nil {
		return nil, err
	}

	t := &StdioTransport{proc: proc, pending: make(map[int64]chan json.RawMessage)}
	go t.readLoop()
	return t, nil
}

// Close terminates the underlying process.
func (t *StdioTransport) Close() error {
	return t.proc.Close()
}

func (t *StdioTransport) readLoop() {
	scanner := t.proc.Reader()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			close(ch)
			continue
		}
		ch <- resp.Result
		close(ch)
	}
}

// call writes one JSON-RPC request line and waits for its matching response
// line, polling ctx between reads so an aborted turn stops waiting promptly.
func (t *StdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		raw = encoded
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if _, err := t.proc.Write(append(line, '\n')); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("mcp: write request: %w", err)
	}

	timer := time.NewTimer(defaultCallTimeout)
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: server returned error for %s", method)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("mcp: %s timed out after %s", method, defaultCallTimeout)
	}
}

// ListTools issues tools/list over the subprocess connection.
func (t *StdioTransport) ListTools(ctx context.Context) ([]chatcore.RawToolInfo, error) {
	result, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []chatcore.RawToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal tools/list: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool issues tools/call, checking ctx between reads while awaiting the
// matching response line.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: args}

	result, err := t.call(ctx, "tools/call", params)
	if err != nil {
		return "", false, err
	}

	var parsed toolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return string(result), false, nil
	}
	if len(parsed.Content) == 0 {
		return string(result), parsed.IsError, nil
	}
	content := parsed.Content[0].Text
	for _, block := range parsed.Content[1:] {
		content += block.Text
	}
	return content, parsed.IsError, nil
}

var _ chatcore.Transport = (*StdioTransport)(nil)

// --- host subprocess ---

type hostProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

func newHostProcess(server chatcore.McpServer) (processIO, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = os.Environ()
	for k, v := range server.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if server.Cwd != "" {
		cmd.Dir = server.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %q: %w", server.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &hostProcess{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

func (p *hostProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *hostProcess) Reader() *bufio.Scanner       { return p.stdout }
func (p *hostProcess) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}
func (p *hostProcess) Wait() error { return p.cmd.Wait() }

// --- sandboxed container process ---

type containerProcess struct {
	cli         *dockerclient.Client
	containerID string
	conn        io.WriteCloser
	stdout      *bufio.Scanner
	stdoutW     *io.PipeWriter
}

// newContainerProcess launches server.Command inside a disposable container:
// no network, a read-only root filesystem, and a bounded memory/CPU budget,
// matching the isolation guarantees a bare host subprocess does not give an
// untrusted stdio tool server.
func newContainerProcess(ctx context.Context, server chatcore.McpServer) (processIO, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("mcp: docker client: %w", err)
	}

	env := make([]string, 0, len(server.Env))
	for k, v := range server.Env {
		env = append(env, k+"="+v)
	}

	cmd := append([]string{server.Command}, server.Args...)
	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        sandboxImage,
			Cmd:          cmd,
			Env:          env,
			WorkingDir:   server.Cwd,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
		},
		&container.HostConfig{
			ReadonlyRootfs: true,
			NetworkMode:    "none",
			PortBindings:   nat.PortMap{},
			Resources: container.Resources{
				Memory:   256 * 1024 * 1024,
				NanoCPUs: 1_000_000_000,
			},
			AutoRemove: true,
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("mcp: create sandbox container: %w", err)
	}

	hijacked, err := cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: attach sandbox container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("mcp: start sandbox container: %w", err)
	}

	// Docker multiplexes stdout/stderr over the attached connection in
	// non-tty mode; demultiplex into a pipe the scanner can read lines from.
	pr, pw := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(pw, io.Discard, hijacked.Reader)
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	return &containerProcess{
		cli:         cli,
		containerID: resp.ID,
		conn:        hijacked.Conn,
		stdout:      scanner,
		stdoutW:     pw,
	}, nil
}

func (p *containerProcess) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *containerProcess) Reader() *bufio.Scanner       { return p.stdout }
func (p *containerProcess) Wait() error                 { return nil }

func (p *containerProcess) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	timeout := 0
	_ = p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout})
	_ = p.conn.Close()
	_ = p.stdoutW.Close()
	return p.cli.Close()
}
