package stream

import (
	"hash/fnv"

	model "github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

// dissentVariance is the score variance above which the council disagrees.
const dissentVariance = 0.15

var councilMembers = []string{"phi-analyst", "phi-skeptic", "phi-pragmatist", "qwen-chair"}

// deliberate produces the council snapshots streamed for one request:
// everyone thinking, then reviewed scores, then the chair's synthesis.
func deliberate(content string) []model.CouncilUpdate {
	scores := memberScores(content)
	dissent := variance(scores) > dissentVariance

	thinking := make([]model.CouncilMember, len(councilMembers))
	reviewed := make([]model.CouncilMember, len(councilMembers))
	for i, id := range councilMembers {
		thinking[i] = model.CouncilMember{ID: id, Status: model.MemberThinking}
		reviewed[i] = model.CouncilMember{
			ID:      id,
			Opinion: opinionFor(scores[i]),
			Score:   scores[i],
			Status:  model.MemberComplete,
		}
	}

	synthesis := append([]model.CouncilMember(nil), reviewed...)
	return []model.CouncilUpdate{
		{Stage: model.StageOpinions, Members: thinking},
		{Stage: model.StageReview, Members: reviewed, Dissent: &dissent},
		{Stage: model.StageSynthesis, Members: synthesis, Dissent: &dissent},
	}
}

// memberScores derives stable scores in [0,1] from the request text.
func memberScores(content string) []float64 {
	scores := make([]float64, len(councilMembers))
	for i, id := range councilMembers {
		h := fnv.New32a()
		h.Write([]byte(id))
		h.Write([]byte(content))
		scores[i] = float64(h.Sum32()%101) / 100
	}
	return scores
}

// variance is the sample variance.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sum float64
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(len(values)-1)
}

func opinionFor(score float64) string {
	switch {
	case score >= 0.66:
		return "agree"
	case score >= 0.33:
		return "agree with reservations"
	default:
		return "disagree"
	}
}
