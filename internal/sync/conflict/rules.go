package conflict

import "github.com/kampuslab/labsync/internal/models"

// attemptLifecycle ranks a quiz attempt's status. Transitions are monotonic:
// an attempt never moves backward from graded to draft.
var attemptLifecycle = map[string]int{
	"draft":     0,
	"submitted": 1,
	"graded":    2,
}

func payloadBool(p map[string]any, key string) bool {
	v, ok := p[key].(bool)
	return ok && v
}

func payloadString(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

// registerDefaultRules installs the business rules for the lab's entities.
//
// Each rule decides whole documents only. A rule that cannot decide returns
// nil and the conflict falls through to last-write-wins.
func registerDefaultRules(r *Resolver) {
	// A quiz published on the server stays published. A stale local copy
	// must not unpublish it.
	r.RegisterRule(models.EntityQuiz, func(c *Conflict) *Resolution {
		if payloadBool(c.Remote, "is_published") && !payloadBool(c.Local, "is_published") {
			return &Resolution{
				Data:     c.Remote,
				Winner:   models.WinnerRemote,
				Strategy: ResolutionStrategyBusinessRule,
				Reason:   "published quiz cannot be unpublished by a stale edit",
			}
		}
		return nil
	})

	// Quiz attempts progress draft -> submitted -> graded and never move
	// backward. The side further along the lifecycle wins.
	r.RegisterRule(models.EntityQuizAttempt, func(c *Conflict) *Resolution {
		localRank, localOK := attemptLifecycle[payloadString(c.Local, "status")]
		remoteRank, remoteOK := attemptLifecycle[payloadString(c.Remote, "status")]
		if !localOK || !remoteOK || localRank == remoteRank {
			return nil
		}
		if remoteRank > localRank {
			return &Resolution{
				Data:     c.Remote,
				Winner:   models.WinnerRemote,
				Strategy: ResolutionStrategyBusinessRule,
				Reason:   "attempt status transition is monotonic, remote has progressed further",
			}
		}
		return &Resolution{
			Data:     c.Local,
			Winner:   models.WinnerLocal,
			Strategy: ResolutionStrategyBusinessRule,
			Reason:   "attempt status transition is monotonic, local has progressed further",
		}
	})

	// The teacher's grade on the server is authoritative. A local edit that
	// disagrees with an existing server grade loses.
	r.RegisterRule(models.EntityGrade, func(c *Conflict) *Resolution {
		remoteScore, remoteHas := c.Remote["score"]
		localScore := c.Local["score"]
		if remoteHas && remoteScore != localScore {
			return &Resolution{
				Data:     c.Remote,
				Winner:   models.WinnerRemote,
				Strategy: ResolutionStrategyBusinessRule,
				Reason:   "teacher grade is authoritative",
			}
		}
		return nil
	})

	// Attendance approval is recorded on the server by the teacher or an
	// admin. A local edit cannot overturn a recorded approval status.
	r.RegisterRule(models.EntityAttendance, func(c *Conflict) *Resolution {
		remoteStatus, remoteHas := c.Remote["status"]
		if remoteHas && remoteStatus != c.Local["status"] {
			return &Resolution{
				Data:     c.Remote,
				Winner:   models.WinnerRemote,
				Strategy: ResolutionStrategyBusinessRule,
				Reason:   "attendance approval status is set on the server",
			}
		}
		return nil
	})

	// Published materials always use the server version.
	r.RegisterRule(models.EntityMaterial, func(c *Conflict) *Resolution {
		if payloadBool(c.Remote, "is_published") {
			return &Resolution{
				Data:     c.Remote,
				Winner:   models.WinnerRemote,
				Strategy: ResolutionStrategyBusinessRule,
				Reason:   "published materials use the server version",
			}
		}
		return nil
	})
}
