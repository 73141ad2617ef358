package registry

import (
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// DefaultWorkerSpecs returns the built-in argv/env recipes for every
// worker type named in §4.7.1's table.
func DefaultWorkerSpecs() []*WorkerSpec {
	return []*WorkerSpec{
		{
			WorkerType: v1.WorkerClaude,
			Binary:     "claude",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				argv := []string{"--print", "--session-id", run.ID}
				if prompt != "" {
					argv = append(argv, prompt)
				}
				return argv
			},
			BuildEnv: func(run *v1.Run) map[string]string {
				return map[string]string{"ANTHROPIC_API_KEY": ""}
			},
		},
		{
			WorkerType: v1.WorkerCodex,
			Binary:     "codex",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				return []string{"exec", "--prompt", prompt}
			},
			BuildEnv: func(run *v1.Run) map[string]string {
				return map[string]string{"OPENAI_API_KEY": ""}
			},
		},
		{
			WorkerType: v1.WorkerGemini,
			Binary:     "gemini",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				mode := "auto_edit"
				if run.Autonomous {
					mode = "yolo"
				}
				argv := []string{"--output-format", "json", "--approval-mode", mode}
				if prompt != "" {
					argv = append(argv, prompt)
				}
				return argv
			},
			BuildEnv: func(run *v1.Run) map[string]string {
				return map[string]string{"GEMINI_API_KEY": ""}
			},
		},
		{
			WorkerType: v1.WorkerOllama,
			Binary:     "ollama",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				sub := "run"
				if run.Integration != "" {
					sub = run.Integration
				}
				argv := []string{sub, run.Model}
				if prompt != "" {
					argv = append(argv, prompt)
				}
				return argv
			},
			BuildEnv: func(run *v1.Run) map[string]string {
				env := map[string]string{}
				if run.Provider != "" {
					env["OLLAMA_HOST"] = run.Provider
				}
				return env
			},
		},
		{
			WorkerType: v1.WorkerRev,
			Binary:     "rev",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				argv := []string{"--llm-provider", run.Provider, "--trust-workspace"}
				if prompt != "" {
					argv = append(argv, prompt)
				}
				return argv
			},
			BuildEnv: func(run *v1.Run) map[string]string {
				return map[string]string{providerKeyEnvVar(run.Provider): ""}
			},
		},
		{
			// vnc has no subprocess of its own — it is driven entirely
			// through C10's start-vnc-stream magic command.
			WorkerType: v1.WorkerVNC,
			Binary:     "",
			BuildArgv:  func(run *v1.Run, prompt string) []string { return nil },
			BuildEnv:   func(run *v1.Run) map[string]string { return nil },
		},
		{
			WorkerType: v1.WorkerHandsOn,
			Binary:     "sh",
			BuildArgv: func(run *v1.Run, prompt string) []string {
				if run.Command != "" {
					return []string{"-c", run.Command}
				}
				return nil
			},
			BuildEnv: func(run *v1.Run) map[string]string { return nil },
		},
	}
}

func providerKeyEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "LLM_API_KEY"
	}
}
