package relay

import (
	"fmt"
	"strings"
	"time"
)

// CommitPolicy decides when appended microphone audio is committed upstream.
type CommitPolicy string

const (
	// CommitEveryAppend commits after every audio chunk.
	CommitEveryAppend CommitPolicy = "every-append"

	// CommitBatched commits once enough audio and enough time have
	// accumulated since the last commit.
	CommitBatched CommitPolicy = "batched"

	// CommitServerVAD never commits; the upstream's turn detection does.
	CommitServerVAD CommitPolicy = "server-vad"
)

// ParseCommitPolicy maps a configuration string to a CommitPolicy.
func ParseCommitPolicy(s string) (CommitPolicy, error) {
	switch p := CommitPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case CommitEveryAppend, CommitBatched, CommitServerVAD:
		return p, nil
	case "":
		return CommitBatched, nil
	}
	return "", fmt.Errorf("relay: unknown commit policy %q", s)
}

// CommitConfig configures audio commits. MinBytes and MinInterval only
// apply to CommitBatched.
type CommitConfig struct {
	Policy      CommitPolicy
	MinBytes    int
	MinInterval time.Duration
}

// DefaultCommitConfig commits every 4096 decoded bytes, at most every 500ms.
func DefaultCommitConfig() CommitConfig {
	return CommitConfig{
		Policy:      CommitBatched,
		MinBytes:    4096,
		MinInterval: 500 * time.Millisecond,
	}
}

// committer tracks audio appended since the last commit. Owned by the
// session loop.
type committer struct {
	cfg     CommitConfig
	pending int
	last    time.Time
}

func newCommitter(cfg CommitConfig) *committer {
	return &committer{cfg: cfg}
}

// reset starts a fresh window, e.g. when an upstream becomes active.
func (c *committer) reset(now time.Time) {
	c.pending = 0
	c.last = now
}

// appended records n decoded bytes and reports whether to commit now.
func (c *committer) appended(n int, now time.Time) bool {
	c.pending += n
	switch c.cfg.Policy {
	case CommitEveryAppend:
		return true
	case CommitServerVAD:
		return false
	}
	return c.pending >= c.cfg.MinBytes && now.Sub(c.last) >= c.cfg.MinInterval
}

func (c *committer) committed(now time.Time) {
	c.pending = 0
	c.last = now
}
