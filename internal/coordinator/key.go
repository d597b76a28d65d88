package coordinator

import (
	"strconv"
	"strings"

	"github.com/biglambda/orchestrator/internal/types"
)

type keyKind int

const (
	kindUnknown keyKind = iota
	kindJobData
	kindResult
	kindMapperOutput
	kindReducerOutput
	kindReducerState
)

// parsedKey is the structured classification of one object-store key
// under {job_id}/. It exists so the coordinator never matches
// "reducer/{r_index}" by substring — only by exact path segment — per
// SPEC_FULL.md §4.4.
type parsedKey struct {
	kind      keyKind
	mapperID  int
	stepID    int
	reducerID int
}

// parseKey classifies key, which is expected to be prefixed by jobID+"/",
// against the key-shape table in spec.md §3. Any key that doesn't match
// one of the five known shapes — including a key under a different job's
// namespace — classifies as kindUnknown and is ignored by the state
// derivation.
func parseKey(jobID, key string) parsedKey {
	rest, ok := strings.CutPrefix(key, jobID+"/")
	if !ok {
		return parsedKey{kind: kindUnknown}
	}

	switch rest {
	case types.JobDataKey:
		return parsedKey{kind: kindJobData}
	case types.ResultKey:
		return parsedKey{kind: kindResult}
	}

	if stepStr, ok := strings.CutPrefix(rest, types.StatePrefix); ok {
		step, err := strconv.Atoi(stepStr)
		if err != nil {
			return parsedKey{kind: kindUnknown}
		}
		return parsedKey{kind: kindReducerState, stepID: step}
	}

	segments := strings.Split(rest, "/")
	switch {
	case len(segments) == 3 && segments[0] == types.TaskSegment && segments[1] == types.MapperRole:
		id, err := strconv.Atoi(segments[2])
		if err != nil {
			return parsedKey{kind: kindUnknown}
		}
		return parsedKey{kind: kindMapperOutput, mapperID: id}

	case len(segments) == 4 && segments[0] == types.TaskSegment && segments[1] == types.ReducerRole:
		step, err1 := strconv.Atoi(segments[2])
		reducerID, err2 := strconv.Atoi(segments[3])
		if err1 != nil || err2 != nil {
			return parsedKey{kind: kindUnknown}
		}
		return parsedKey{kind: kindReducerOutput, stepID: step, reducerID: reducerID}
	}

	return parsedKey{kind: kindUnknown}
}
