package subprocess

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/livepeer/episode-video-worker/log"
)

// streamToBuffer copies src line-by-line into both dst and out, so a
// caller can both stream progress live and retain the full output to fold
// into an error message if the command ultimately fails.
func streamToBuffer(src io.Reader, dst *bytes.Buffer, out io.Writer) error {
	mw := io.MultiWriter(dst, out)
	s := bufio.NewReader(src)
	for {
		var line []byte
		line, err := s.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err == io.EOF {
			return fmt.Errorf("improper termination: %v", line)
		}
		if err != nil {
			return err
		}
		if _, err := mw.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// RunCapturing starts cmd, streaming its stdout/stderr to the process's own
// stdout/stderr as it runs while also retaining both in the returned
// buffers, then waits for it to exit. Used for long-running child processes
// (ffmpeg) where an operator tailing logs wants to see progress live, not
// just after the fact.
func RunCapturing(cmd *exec.Cmd) (stdout, stderr bytes.Buffer, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return stdout, stderr, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return stdout, stderr, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return stdout, stderr, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	done := make(chan struct{}, 2)
	go func() {
		if err := streamToBuffer(stdoutPipe, &stdout, os.Stdout); err != nil {
			log.LogNoEpisodeID("streaming subprocess stdout failed", "error", err.Error())
		}
		done <- struct{}{}
	}()
	go func() {
		if err := streamToBuffer(stderrPipe, &stderr, os.Stderr); err != nil {
			log.LogNoEpisodeID("streaming subprocess stderr failed", "error", err.Error())
		}
		done <- struct{}{}
	}()
	<-done
	<-done

	return stdout, stderr, cmd.Wait()
}
