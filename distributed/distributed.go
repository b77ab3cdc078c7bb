// Package distributed exposes the identity of the current process within a
// multi-process training job.
//
// detrain does not coordinate processes itself: gradient synchronization is
// the job of the launcher/framework underneath. The only thing the callback
// layer needs to know is "who am I", so that logs and checkpoints are written
// by a single process (usually rank 0) instead of once per worker.
//
// Rank and world size are read from the RANK and WORLD_SIZE environment
// variables, the convention used by the common distributed launchers. A
// process run outside any launcher sees rank 0 of a world of 1.
package distributed

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	rankEnv      = "RANK"
	worldSizeEnv = "WORLD_SIZE"
)

// Rank of the current process, starting at 0. Defaults to 0 when RANK is
// unset or unparseable.
func Rank() int {
	return envInt(rankEnv, 0)
}

// WorldSize is the total number of processes in the job. Defaults to 1.
func WorldSize() int {
	n := envInt(worldSizeEnv, 1)
	if n < 1 {
		return 1
	}
	return n
}

// IsPrimary reports whether this is the process that should write artifacts:
// either the job is not distributed, or this is rank 0.
func IsPrimary() bool {
	return WorldSize() < 2 || Rank() == 0
}

// ShouldLog reports whether this process should emit logs, given the set of
// ranks allowed to log. An empty logRanks falls back to IsPrimary.
func ShouldLog(logRanks []int) bool {
	if WorldSize() < 2 {
		return true
	}
	if len(logRanks) == 0 {
		return Rank() == 0
	}
	rank := Rank()
	for _, r := range logRanks {
		if r == rank {
			return true
		}
	}
	return false
}

// ParseLogRanks parses a comma-separated list of ranks ("0" or "0,1,4") into
// a slice. An empty string yields nil.
func ParseLogRanks(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ranks := make([]int, 0, len(parts))
	for _, part := range parts {
		r, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid rank %q in log ranks list %q", part, s)
		}
		ranks = append(ranks, r)
	}
	return ranks, nil
}

func envInt(key string, deflt int) int {
	v := os.Getenv(key)
	if v == "" {
		return deflt
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return deflt
	}
	return n
}
