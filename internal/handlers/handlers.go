// Package handlers provides the built-in job handlers available to manifests
// run by the procpool CLI.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nixpig/procpool/internal/jobqueue"
)

// Handler names.
const (
	Exec   = "exec"
	Sleep  = "sleep"
	SHA256 = "sha256"
	Echo   = "echo"
	Fail   = "fail"
)

// ErrUsage is returned when a handler is given the wrong arguments.
var ErrUsage = errors.New("invalid arguments")

// Register adds every built-in handler to reg, writing job output to stdout.
func Register(reg *jobqueue.Registry) error {
	return RegisterTo(reg, os.Stdout)
}

// RegisterTo adds every built-in handler to reg, writing job output to w.
func RegisterTo(reg *jobqueue.Registry, w io.Writer) error {
	builtins := map[string]jobqueue.Handler{
		Exec:   execHandler(w),
		Sleep:  sleepHandler,
		SHA256: sha256Handler(w),
		Echo:   echoHandler(w),
		Fail:   failHandler,
	}

	for name, h := range builtins {
		if err := reg.Register(name, h); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	return nil
}

// execHandler runs args[0] with the remaining args. The command inherits the
// worker's environment.
func execHandler(w io.Writer) jobqueue.Handler {
	return func(args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("%w: exec PROGRAM [ARGS...]", ErrUsage)
		}

		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = w
		cmd.Stderr = w

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("exec %s: %w", args[0], err)
		}

		return nil
	}
}

func sleepHandler(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: sleep DURATION", ErrUsage)
	}

	d, err := time.ParseDuration(args[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	time.Sleep(d)

	return nil
}

// sha256Handler prints "<digest>  <path>" for each file, as sha256sum does.
func sha256Handler(w io.Writer) jobqueue.Handler {
	return func(args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("%w: sha256 FILE [FILE...]", ErrUsage)
		}

		for _, path := range args {
			digest, err := hashFile(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "%s  %s\n", digest, path)
		}

		return nil
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func echoHandler(w io.Writer) jobqueue.Handler {
	return func(args []string) error {
		_, err := fmt.Fprintln(w, strings.Join(args, " "))
		return err
	}
}

// failHandler always fails, with args as the message if given.
func failHandler(args []string) error {
	if len(args) == 0 {
		return errors.New("failed")
	}

	return errors.New(strings.Join(args, " "))
}
