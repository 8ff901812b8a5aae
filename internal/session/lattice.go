package session

// Trigger names the event driving a transition.
type Trigger string

const (
	TriggerRing       Trigger = "ring"
	TriggerAnswer     Trigger = "answer"
	TriggerAsyncVoice Trigger = "async_voice"
	TriggerVideo      Trigger = "video"
	TriggerTimeout    Trigger = "timeout"
	TriggerEnd        Trigger = "end"
)

var transitions = map[Trigger]struct {
	from []Status
	to   Status
}{
	TriggerRing:       {from: []Status{StatusPending, StatusNotAnswered, StatusEnded}, to: StatusRinging},
	TriggerAnswer:     {from: []Status{StatusRinging}, to: StatusAnswered},
	TriggerAsyncVoice: {from: []Status{StatusRinging, StatusAnswered}, to: StatusAudioMessage},
	TriggerVideo:      {from: []Status{StatusRinging, StatusAnswered}, to: StatusVideoCall},
	TriggerTimeout:    {from: []Status{StatusRinging}, to: StatusNotAnswered},
	TriggerEnd: {
		from: []Status{StatusPending, StatusRinging, StatusAnswered, StatusVideoCall, StatusAudioMessage, StatusNotAnswered},
		to:   StatusEnded,
	},
}

// Next returns the status reached by firing t in from, or false when the
// trigger is not allowed there.
func Next(from Status, t Trigger) (Status, bool) {
	tr, ok := transitions[t]
	if !ok {
		return "", false
	}
	for _, s := range tr.from {
		if s == from {
			return tr.to, true
		}
	}
	return "", false
}

// CanTransition reports whether some trigger moves from to to.
func CanTransition(from, to Status) bool {
	for t := range transitions {
		if next, ok := Next(from, t); ok && next == to {
			return true
		}
	}
	return false
}

// Allowed lists the statuses from which t may fire. Stores use it as an
// update precondition.
func Allowed(t Trigger) []Status {
	tr, ok := transitions[t]
	if !ok {
		return nil
	}
	out := make([]Status, len(tr.from))
	copy(out, tr.from)
	return out
}

// Supersedes reports whether the inbound snapshot next may replace the local
// view cur. A newer generation always wins. Within a generation the status may
// only move forward; an equal rank is accepted so side-channel fields and the
// video/voice swap come through. not_answered is only reachable from ringing.
func Supersedes(cur, next CallSession) bool {
	if !next.Status.Valid() {
		return false
	}
	if next.Generation != cur.Generation {
		return next.Generation > cur.Generation
	}
	if next.Status == StatusNotAnswered {
		return cur.Status == StatusRinging || cur.Status == StatusNotAnswered || cur.Status == ""
	}
	return next.Status.Rank() >= cur.Status.Rank()
}
