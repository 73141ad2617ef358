// Package worker implements C7: the agent-side driver that owns one
// subprocess (or Docker container) for the lifetime of one run. Grounded on
// the teacher's internal/agent/docker.Client (attach/stream/kill shape) and
// internal/agent/lifecycle.Manager (spawn -> track -> command-apply -> exit
// lifecycle), generalized from exclusively-Docker container instances to a
// dual-mode subprocess/Docker spawn selected by AgentConfig.Isolation.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/agent/dockerdriver"
	"github.com/ctrlplane/gateway/internal/agent/registry"
	"github.com/ctrlplane/gateway/internal/agent/state"
	"github.com/ctrlplane/gateway/internal/agentclient"
	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/platform/redact"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// promptPatterns detects blocking interactive prompts in child output
// (§4.7: "Would you like", "Continue?", "[Y/n]", "Press Enter", trailing "?").
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)would you like`),
	regexp.MustCompile(`(?i)continue\?`),
	regexp.MustCompile(`\[[Yy]/[Nn]\]`),
	regexp.MustCompile(`(?i)press enter`),
	regexp.MustCompile(`\?\s*$`),
}

const (
	processedIDTTL     = 10 * time.Second
	dirListTimeout     = 10 * time.Second
	dirListBufferCap   = 5 * 1024 * 1024
	allowlistTimeout   = 60 * time.Second
	allowlistBufferCap = 10 * 1024 * 1024
)

// Config carries everything a Worker needs to spawn and drive one run.
type Config struct {
	Run         *v1.Run
	Prompt      string
	SandboxRoot string
	Isolation   string // "subprocess" | "docker"
	DockerImage string // required when Isolation == "docker"
	PollInterval time.Duration
	Allowlist   []string
}

// Worker drives one run's subprocess end to end.
type Worker struct {
	run    *v1.Run
	spec   *registry.WorkerSpec
	cfg    Config
	client *agentclient.Client
	scope  agentclient.RunScope

	redactor *redact.Redactor
	states   *state.Store
	logger   *logger.Logger
	docker   *dockerdriver.Driver

	mu         sync.Mutex
	currentDir string
	sequence   int64
	promptOpen bool

	processed   map[string]time.Time
	processedMu sync.Mutex

	logMu  sync.Mutex
	logBuf bytes.Buffer

	h handle

	stopRequested bool
	haltRequested bool
}

// New builds a Worker for one run. docker may be nil when Isolation is
// "subprocess".
func New(cfg Config, spec *registry.WorkerSpec, client *agentclient.Client, redactor *redact.Redactor, states *state.Store, docker *dockerdriver.Driver, log *logger.Logger) *Worker {
	return &Worker{
		run:        cfg.Run,
		spec:       spec,
		cfg:        cfg,
		client:     client,
		scope:      agentclient.RunScope{RunID: cfg.Run.ID, CapabilityToken: cfg.Run.CapabilityToken},
		redactor:   redactor,
		states:     states,
		docker:     docker,
		logger:     log.WithFields(zap.String("run_id", cfg.Run.ID), zap.String("worker_type", string(cfg.Run.WorkerType))),
		currentDir: cfg.SandboxRoot,
		processed:  make(map[string]time.Time),
	}
}

// Spawn starts the subprocess (or container), emits marker:started, and
// returns once spawn has either succeeded or irrecoverably failed.
func (w *Worker) Spawn(ctx context.Context) error {
	argv := w.spec.BuildArgv(w.run, w.cfg.Prompt)
	env := w.buildEnv()

	var err error
	switch w.cfg.Isolation {
	case "docker":
		w.h, err = w.spawnDocker(ctx, argv, env)
	default:
		w.h, err = w.spawnSubprocess(ctx, argv, env)
	}
	if err != nil {
		return apierr.SpawnFailed("failed to spawn worker", err)
	}

	commandLine := strings.Join(append([]string{w.spec.Binary}, argv...), " ")
	w.emitMarker("started", map[string]interface{}{"command": commandLine})
	return nil
}

func (w *Worker) buildEnv() []string {
	term := "dumb"
	if w.run.Autonomous {
		term = "xterm-256color"
	}

	merged := map[string]string{"TERM": term}
	for k, v := range w.spec.BuildEnv(w.run) {
		merged[k] = v
	}

	env := os.Environ()
	for k, v := range merged {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func (w *Worker) spawnSubprocess(ctx context.Context, argv, env []string) (handle, error) {
	var cmd *exec.Cmd
	if w.spec.ShellMode {
		cmd = exec.CommandContext(ctx, "sh", "-c", strings.Join(append([]string{w.spec.Binary}, argv...), " "))
	} else {
		cmd = exec.CommandContext(ctx, w.spec.Binary, argv...)
	}
	cmd.Dir = w.cfg.SandboxRoot
	cmd.Env = env

	return newSubprocessHandle(cmd)
}

func (w *Worker) spawnDocker(ctx context.Context, argv, env []string) (handle, error) {
	if w.docker == nil {
		return nil, fmt.Errorf("docker isolation requested but no docker driver configured")
	}
	spec := dockerdriver.Spec{
		Image:      w.cfg.DockerImage,
		Argv:       append([]string{w.spec.Binary}, argv...),
		Env:        env,
		WorkingDir: w.cfg.SandboxRoot,
		Labels:     map[string]string{"ctrlplane.run_id": w.run.ID},
	}
	name := fmt.Sprintf("ctrlplane-run-%s", w.run.ID[:8])
	att, err := w.docker.Spawn(ctx, name, spec)
	if err != nil {
		return nil, err
	}
	return newDockerHandle(ctx, w.docker, att), nil
}

// Run drives the worker to completion: streams output, applies commands,
// and persists state, until the child exits or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) (exitCode int, err error) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.streamOutput()
	}()

	commandCtx, cancelCommands := context.WithCancel(ctx)
	defer cancelCommands()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.commandLoop(commandCtx)
	}()

	exitCode, waitErr := w.h.Wait()
	cancelCommands()
	wg.Wait()

	w.emitMarker("finished", map[string]interface{}{
		"exitCode":      exitCode,
		"stopRequested": w.stopRequested,
		"haltRequested": w.haltRequested,
	})
	w.uploadLocalLog()

	return exitCode, waitErr
}

func (w *Worker) streamOutput() {
	for line := range w.h.Lines() {
		text := string(line)
		clean := w.safeRedact(text)

		w.mu.Lock()
		w.sequence++
		w.mu.Unlock()

		w.ingest(v1.EventStdout, clean)
		w.appendLog(clean)
		w.persistState()

		if !w.promptDetected(clean) {
			continue
		}
		w.mu.Lock()
		already := w.promptOpen
		w.promptOpen = true
		w.mu.Unlock()
		if !already {
			w.ingest(v1.EventPromptWaiting, clean)
		}
	}
}

func (w *Worker) promptDetected(line string) bool {
	for _, p := range promptPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func (w *Worker) safeRedact(text string) string {
	if w.redactor == nil {
		return text
	}
	return w.redactor.Apply(text)
}

// commandLoop polls C3 every PollInterval and applies each new command.
func (w *Worker) commandLoop(ctx context.Context) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAndApply(ctx)
		}
	}
}

func (w *Worker) pollAndApply(ctx context.Context) {
	var resp struct {
		Commands []*v1.Command `json:"commands"`
	}
	path := fmt.Sprintf("/api/runs/%s/commands", w.run.ID)
	if err := w.client.Do(ctx, "GET", path, nil, &w.scope, &resp); err != nil {
		w.logger.Warn("command poll failed, resuming next tick", zap.Error(err))
		return
	}

	for _, cmd := range resp.Commands {
		if w.alreadyProcessed(cmd.ID) {
			continue
		}
		w.applyCommand(ctx, cmd)
		w.markProcessed(cmd.ID)
	}
}

func (w *Worker) alreadyProcessed(id string) bool {
	w.processedMu.Lock()
	defer w.processedMu.Unlock()
	seenAt, ok := w.processed[id]
	if !ok {
		return false
	}
	if time.Since(seenAt) > processedIDTTL {
		delete(w.processed, id)
		return false
	}
	return true
}

func (w *Worker) markProcessed(id string) {
	w.processedMu.Lock()
	w.processed[id] = time.Now()
	w.processedMu.Unlock()
}

func (w *Worker) applyCommand(ctx context.Context, cmd *v1.Command) {
	switch {
	case cmd.Command == v1.VerbStop:
		w.applyStop(ctx, cmd)
	case cmd.Command == v1.VerbHalt:
		w.applyHalt(cmd)
	case cmd.Command == v1.VerbEscape:
		w.applyEscape(cmd)
	case strings.HasPrefix(cmd.Command, v1.VerbInputPrefix):
		w.applyInput(cmd)
	case cmd.Command == v1.VerbStartVNCStream:
		w.ack(cmd, "vnc stream requested", "")
	case strings.HasPrefix(cmd.Command, "cd "):
		w.applyCd(cmd)
	case cmd.Command == "pwd":
		w.applyPwd(cmd)
	case cmd.Command == "ls" || cmd.Command == "dir" || strings.HasPrefix(cmd.Command, "ls ") || strings.HasPrefix(cmd.Command, "dir "):
		w.applyExec(cmd, dirListTimeout, dirListBufferCap, false)
	default:
		if !w.allowed(cmd.Command) {
			w.ack(cmd, "", "rejected")
			return
		}
		w.applyExec(cmd, allowlistTimeout, allowlistBufferCap, strings.HasPrefix(cmd.Command, "git diff"))
	}
}

func (w *Worker) applyStop(ctx context.Context, cmd *v1.Command) {
	w.stopRequested = true
	_ = w.h.Signal("SIGINT")
	w.ack(cmd, "Stop initiated", "")

	go func() {
		timer := time.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = w.h.Kill()
		case <-ctx.Done():
		}
	}()
}

func (w *Worker) applyHalt(cmd *v1.Command) {
	w.haltRequested = true
	_ = w.h.Kill()
	w.ack(cmd, "Halt initiated", "")
}

func (w *Worker) applyEscape(cmd *v1.Command) {
	_ = w.h.Signal("SIGINT")
	w.ack(cmd, "Escape sent", "")
}

func (w *Worker) applyInput(cmd *v1.Command) {
	payload := strings.TrimPrefix(cmd.Command, v1.VerbInputPrefix)
	if _, err := w.h.Stdin().Write([]byte(payload)); err != nil {
		w.ack(cmd, "", fmt.Sprintf("failed to write input: %v", err))
		return
	}
	w.mu.Lock()
	w.promptOpen = false
	w.mu.Unlock()
	w.ingest(v1.EventPromptResolved, payload)
	w.ack(cmd, "Input delivered", "")
}

// applyCd validates the target resolves within the sandbox root (§8
// "sandbox escape" property) before updating the working directory.
func (w *Worker) applyCd(cmd *v1.Command) {
	target := strings.TrimSpace(strings.TrimPrefix(cmd.Command, "cd "))
	if target == "" || target == "~" || target == "-" {
		w.ack(cmd, "", "Cannot change directory: relative shortcuts are not supported")
		return
	}

	w.mu.Lock()
	base := w.currentDir
	w.mu.Unlock()

	resolved := filepath.Clean(filepath.Join(base, target))
	root := filepath.Clean(w.cfg.SandboxRoot)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		w.ack(cmd, "", fmt.Sprintf("Cannot change directory: path is outside sandbox (%s)", root))
		return
	}

	w.mu.Lock()
	w.currentDir = resolved
	w.mu.Unlock()
	w.persistState()
	w.ingest(v1.EventInfo, fmt.Sprintf("working directory changed to %s", resolved))
	w.ack(cmd, resolved, "")
}

func (w *Worker) applyPwd(cmd *v1.Command) {
	w.mu.Lock()
	cur := w.currentDir
	w.mu.Unlock()

	rel, err := filepath.Rel(w.cfg.SandboxRoot, cur)
	if err != nil {
		rel = cur
	}
	w.ack(cmd, rel, "")
}

func (w *Worker) applyExec(cmd *v1.Command, timeout time.Duration, bufCap int, uploadDiff bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	w.mu.Lock()
	dir := w.currentDir
	w.mu.Unlock()

	shell := exec.CommandContext(ctx, "sh", "-c", cmd.Command)
	shell.Dir = dir

	var out bytes.Buffer
	shell.Stdout = &out
	shell.Stderr = &out

	runErr := shell.Run()
	result := out.String()
	if len(result) > bufCap {
		result = result[:bufCap]
	}
	result = w.safeRedact(result)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	w.ack(cmd, result, errText)

	if uploadDiff && runErr == nil {
		path := fmt.Sprintf("/api/runs/%s/artifacts", w.run.ID)
		if err := w.client.UploadArtifact(ctx, path, "latest.diff", []byte(result), w.scope); err != nil {
			w.logger.Warn("failed to upload diff artifact", zap.Error(err))
		}
	}
}

func (w *Worker) allowed(cmd string) bool {
	for _, a := range w.cfg.Allowlist {
		if cmd == a || strings.HasPrefix(cmd, a+" ") {
			return true
		}
	}
	return false
}

func (w *Worker) ack(cmd *v1.Command, result, errText string) {
	path := fmt.Sprintf("/api/runs/%s/commands/%s/ack", w.run.ID, cmd.ID)
	body := map[string]string{"result": result, "error": errText}
	if err := w.client.Do(context.Background(), "POST", path, body, &w.scope, nil); err != nil {
		w.logger.Warn("command ack failed", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (w *Worker) ingest(eventType v1.EventType, data string) {
	w.mu.Lock()
	seq := w.sequence
	w.mu.Unlock()

	body := map[string]interface{}{"type": string(eventType), "data": data, "sequence": seq}
	if err := w.client.Do(context.Background(), "POST", "/api/ingest/event", body, &w.scope, nil); err != nil {
		w.logger.Warn("event send failed, dropped", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func (w *Worker) emitMarker(event string, fields map[string]interface{}) {
	payload := map[string]interface{}{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("failed to marshal marker payload, dropped", zap.String("event", event), zap.Error(err))
		return
	}
	w.ingest(v1.EventMarker, string(data))
}

func (w *Worker) persistState() {
	if w.states == nil {
		return
	}
	w.mu.Lock()
	st := &v1.RunState{
		RunID:      w.run.ID,
		Sequence:   w.sequence,
		WorkingDir: w.currentDir,
		WorkerType: w.run.WorkerType,
		Model:      w.run.Model,
		SavedAt:    time.Now().UTC(),
	}
	w.mu.Unlock()

	if err := w.states.Save(st); err != nil {
		w.logger.Warn("failed to persist run state", zap.Error(err))
	}

	path := fmt.Sprintf("/api/runs/%s/state", w.run.ID)
	body := map[string]interface{}{"workingDir": st.WorkingDir, "lastSequence": st.Sequence}
	if err := w.client.Do(context.Background(), "POST", path, body, &w.scope, nil); err != nil {
		w.logger.Warn("failed to publish run state", zap.Error(err))
	}
}

// localLogCap bounds the in-memory scrollback kept for the exit-time log
// artifact upload; older lines are dropped once exceeded.
const localLogCap = 2 * 1024 * 1024

func (w *Worker) appendLog(line string) {
	w.logMu.Lock()
	defer w.logMu.Unlock()
	w.logBuf.WriteString(line)
	w.logBuf.WriteByte('\n')
	if w.logBuf.Len() > localLogCap {
		trimmed := w.logBuf.Bytes()[w.logBuf.Len()-localLogCap:]
		w.logBuf.Reset()
		w.logBuf.Write(trimmed)
	}
}

func (w *Worker) uploadLocalLog() {
	w.logMu.Lock()
	content := append([]byte(nil), w.logBuf.Bytes()...)
	w.logMu.Unlock()

	if len(content) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := fmt.Sprintf("/api/runs/%s/artifacts", w.run.ID)
	if err := w.client.UploadArtifact(ctx, path, "run.log", content, w.scope); err != nil {
		w.logger.Warn("failed to upload run log artifact", zap.Error(err))
	}
}
