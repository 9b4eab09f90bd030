package rules

import "os/exec"

// shellHandler runs a `#!`-executable rule script as a child process via
// exec.Cmd.Run, which performs the equivalent fork/exec/wait sequence.
type shellHandler struct {
	path string
}

func (h *shellHandler) Load(path string) error {
	h.path = path
	return nil
}

func (h *shellHandler) Run(env []string, phase string) error {
	cmd := exec.Command(h.path)
	cmd.Env = env
	cmd.Stdin = nil
	return cmd.Run()
}

func (h *shellHandler) Drop() {}
