package negotiation

import "github.com/pion/webrtc/v4"

// Remote ICE candidates that arrived before the remote description.
// They are applied in arrival order once the description is set.
type PendingCandidateQueue struct {
	candidates []webrtc.ICECandidateInit
}

func (q *PendingCandidateQueue) Push(candidate webrtc.ICECandidateInit) {
	q.candidates = append(q.candidates, candidate)
}

// Remove and return every queued candidate, oldest first.
func (q *PendingCandidateQueue) Drain() []webrtc.ICECandidateInit {
	drained := q.candidates
	q.candidates = nil
	return drained
}

func (q *PendingCandidateQueue) Len() int {
	return len(q.candidates)
}
