package goals

import (
	"strings"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// Lexical fallback for criteria without a registered evaluator. Markers of
// incompleteness dominate markers of completion, so "not done" fails.
var (
	incompleteMarkers = []string{
		"not ", "pending", "todo", "to do", "incomplete", "in progress",
		"waiting", "blocked", "unfinished", "outstanding", "unresolved",
	}
	completeMarkers = []string{
		"done", "complete", "finished", "achieved", "resolved",
		"succeeded", "delivered", "shipped", "met",
	}
)

// EvaluateLexical judges a criterion from its text alone. The outcome is
// three-way: incomplete markers fail, complete markers pass, and text with
// neither is undecided and counted as not met.
func EvaluateLexical(criterion string) contracts.CriterionResult {
	text := strings.ToLower(strings.TrimSpace(criterion))

	for _, marker := range incompleteMarkers {
		if strings.Contains(text, marker) {
			return contracts.CriterionResult{
				Criterion: criterion,
				Met:       false,
				Detail:    "matched incompleteness marker " + strings.TrimSpace(marker),
			}
		}
	}
	for _, marker := range completeMarkers {
		if strings.Contains(text, marker) {
			return contracts.CriterionResult{
				Criterion: criterion,
				Met:       true,
				Detail:    "matched completion marker " + marker,
			}
		}
	}
	return contracts.CriterionResult{
		Criterion: criterion,
		Met:       false,
		Undecided: true,
		Detail:    "no decisive marker",
	}
}
