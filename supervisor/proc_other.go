//go:build !unix

package supervisor

import "os/exec"

// setProcessGroup keeps the exec default of killing the command on cancellation: there is no
// process group to signal.
func setProcessGroup(*exec.Cmd) {}

// killGroup does nothing: without a process group, only the closing of the pipes is left.
func killGroup(*exec.Cmd) {}
