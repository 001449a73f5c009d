package kpi

import (
	"context"
	"time"
)

// candidateImageURL turns a snapshotted frame into the URL the executor
// collaborator is handed — a local file reference into the per-request
// working directory, so the verification call always judges the exact
// historical frame under test rather than whatever is currently live.
func candidateImageURL(f frameCandidate) string {
	return "file://" + f.workingPath
}

func zeroTimeout(specs []VerificationSpec) []VerificationSpec {
	out := make([]VerificationSpec, len(specs))
	for i, v := range specs {
		v.Timeout = 0
		out[i] = v
	}
	return out
}

// search implements spec.md §4.5 step 4: an early probe at
// scan_start+200ms, then a step-2 backward scan from newest to oldest that
// stops at the true->false match flip and pins the earliest matching frame
// by also checking the skipped intermediate.
func (s *Service) search(ctx context.Context, req Request, frames []frameCandidate, scanStart time.Time) (*frameCandidate, string, error) {
	verifications := zeroTimeout(req.KPIReferences)

	check := func(f frameCandidate) (bool, error) {
		outcome, err := s.executor.ExecuteVerifications(ctx, verifications, req.UserInterfaceName, candidateImageURL(f), req.TeamID)
		if err != nil {
			return false, err
		}
		return outcome.Success, nil
	}

	if match, ok, err := s.earlyProbe(frames, scanStart, check); err != nil {
		return nil, "", err
	} else if ok {
		return match, AlgorithmQuickCheckEarly, nil
	}

	return s.backwardScan(frames, check)
}

func (s *Service) earlyProbe(frames []frameCandidate, scanStart time.Time, check func(frameCandidate) (bool, error)) (*frameCandidate, bool, error) {
	probeAt := scanStart.Add(EarlyProbeOffset)
	for _, f := range frames {
		if f.modTime.Before(probeAt) {
			continue
		}
		matched, err := check(f)
		if err != nil {
			return nil, false, err
		}
		if matched {
			frame := f
			return &frame, true, nil
		}
		return nil, false, nil
	}
	return nil, false, nil
}

func (s *Service) backwardScan(frames []frameCandidate, check func(frameCandidate) (bool, error)) (*frameCandidate, string, error) {
	n := len(frames)
	if n == 0 {
		return nil, AlgorithmExhaustiveFailed, nil
	}

	visited := map[int]bool{}
	var earliestMatch *frameCandidate
	prevMatch := false

	for i := n - 1; i >= 0; i -= 2 {
		visited[i] = true
		matched, err := check(frames[i])
		if err != nil {
			return nil, "", err
		}
		if matched {
			f := frames[i]
			earliestMatch = &f
		}
		if i != n-1 && prevMatch && !matched {
			if skip := i + 1; skip < n && !visited[skip] {
				if skipMatched, err := check(frames[skip]); err == nil && skipMatched {
					f := frames[skip]
					earliestMatch = &f
				}
			}
			return earliestMatch, AlgorithmBackwardScanStep2, nil
		}
		prevMatch = matched
	}

	if prevMatch && !visited[0] {
		if matched, err := check(frames[0]); err == nil && matched {
			f := frames[0]
			earliestMatch = &f
		}
	}
	if earliestMatch == nil {
		return nil, AlgorithmExhaustiveFailed, nil
	}
	return earliestMatch, AlgorithmBackwardScanStep2, nil
}
