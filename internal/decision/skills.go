package decision

import (
	"strings"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// Skill match weights.
const (
	scorePattern  = 10
	scoreCategory = 5
	scoreKeyword  = 2

	// MinSkillScore is the lowest score that selects a skill.
	MinSkillScore = 10
)

// SkillMatch is a scored skill.
type SkillMatch struct {
	Skill config.Skill
	Score int
	Index int
}

// ScoreSkill scores one skill against an error set. Each configured pattern
// found in any error message adds 10, a matching category adds 5 once, and
// each keyword found adds 2. Matching is case-insensitive.
func ScoreSkill(sk config.Skill, errors []snapshot.ErrorEntry) int {
	msgs := make([]string, len(errors))
	cats := make(map[string]bool, len(errors))
	for i, e := range errors {
		msgs[i] = strings.ToLower(e.Message)
		cats[e.Category.String()] = true
	}
	anyContains := func(needle string) bool {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle == "" {
			return false
		}
		for _, m := range msgs {
			if strings.Contains(m, needle) {
				return true
			}
		}
		return false
	}

	score := 0
	for _, p := range sk.Patterns {
		if anyContains(p) {
			score += scorePattern
		}
	}
	for _, c := range sk.Categories {
		if cats[strings.ToLower(c)] {
			score += scoreCategory
			break
		}
	}
	for _, k := range sk.Keywords {
		if anyContains(k) {
			score += scoreKeyword
		}
	}
	return score
}

// MatchSkill returns the highest-scoring skill at or above MinSkillScore.
// Ties go to the skill listed first. ok is false when nothing qualifies.
func MatchSkill(skills []config.Skill, errors []snapshot.ErrorEntry) (best SkillMatch, ok bool) {
	best.Index = -1
	for i, sk := range skills {
		s := ScoreSkill(sk, errors)
		if s < MinSkillScore {
			continue
		}
		if best.Index < 0 || s > best.Score {
			best = SkillMatch{Skill: sk, Score: s, Index: i}
		}
	}
	return best, best.Index >= 0
}

// FindSkill returns the configured skill with the given ref or name.
func FindSkill(skills []config.Skill, ref string) (config.Skill, bool) {
	for _, sk := range skills {
		if sk.Ref == ref || (sk.Name != "" && sk.Name == ref) {
			return sk, true
		}
	}
	return config.Skill{}, false
}

// SkillCommand is the text sent to the session to run sk.
func SkillCommand(sk config.Skill, errors []snapshot.ErrorEntry) string {
	if sk.Command != "" {
		return sk.Command
	}
	name := sk.Name
	if name == "" {
		name = sk.Ref
	}
	if len(errors) == 0 {
		return "Use the " + name + " skill."
	}
	return "Use the " + name + " skill to fix: " + errors[0].Message
}
