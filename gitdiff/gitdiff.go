// Package gitdiff drafts "what I worked on" text for a daily report from the
// uncommitted changes of a working copy. It shells out to git; a machine
// without git or a path outside a repository yields an error the caller
// treats as "nothing to prefill".
package gitdiff

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

var ErrNotARepository = errors.New("not a git repository")

// Summarizer turns a repository's pending changes into report text.
type Summarizer struct {
	logger *log.Logger
}

func NewSummarizer(logger *log.Logger) *Summarizer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Summarizer{logger: logger}
}

// Summarize lists staged and unstaged changes under repoPath, one line per
// file with its change kind, followed by recent commit subjects from today.
func (s *Summarizer) Summarize(ctx context.Context, repoPath string) (string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("git not installed: %w", err)
	}
	if err := s.ensureRepo(ctx, repoPath); err != nil {
		return "", err
	}

	var sections []string
	if changes, err := s.pendingChanges(ctx, repoPath); err != nil {
		s.logger.WithError(err).Debug("git status failed")
	} else if changes != "" {
		sections = append(sections, "Pending changes:\n"+changes)
	}
	if commits, err := s.todaysCommits(ctx, repoPath); err != nil {
		s.logger.WithError(err).Debug("git log failed")
	} else if commits != "" {
		sections = append(sections, "Committed today:\n"+commits)
	}
	return strings.Join(sections, "\n\n"), nil
}

func (s *Summarizer) ensureRepo(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		return ErrNotARepository
	}
	return nil
}

func (s *Summarizer) pendingChanges(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git status failed: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if len(line) < 4 {
			continue
		}
		kind := changeKind(line[:2])
		path := strings.TrimSpace(line[3:])
		lines = append(lines, "- "+kind+" "+path)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Summarizer) todaysCommits(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "--since=midnight", "--format=- %s")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}
	return strings.TrimRight(string(output), "\n"), nil
}

func changeKind(code string) string {
	switch {
	case strings.Contains(code, "A"):
		return "added"
	case strings.Contains(code, "D"):
		return "deleted"
	case strings.Contains(code, "R"):
		return "renamed"
	case code == "??":
		return "added"
	default:
		return "modified"
	}
}
