// Package tags parses structured action tags out of free-form LLM output.
// The scanner is deliberately forgiving: unknown tags, unbalanced tags and
// malformed attributes are skipped, never fatal, because model output is
// not a format we control.
package tags

import (
	"regexp"
	"strconv"
	"strings"
)

// Parsed holds every recognized action from one LLM response, in document
// order within each kind.
type Parsed struct {
	Messages           []string
	Followups          []Followup
	ActionsTaken       []string
	GoalCreates        []GoalCreate
	GoalUpdates        []GoalUpdate
	MilestoneCompletes []MilestoneComplete
	Hypotheses         []string
	Reflections        []string

	// NextCycleMinutes is a one-shot cadence override, 0 when absent or out
	// of the accepted range.
	NextCycleMinutes int
}

type Followup struct {
	Topic   string
	Context string
	DueAt   string // free-form; resolved by the dispatcher
}

type GoalCreate struct {
	Title       string
	Description string
	Priority    string
	Category    string
}

type GoalUpdate struct {
	ID       string
	Status   string
	Progress string
	Note     string
}

type MilestoneComplete struct {
	GoalID    string
	Milestone string
	Evidence  string
}

const (
	minCycleMinutes = 5
	maxCycleMinutes = 120
)

var attrRe = regexp.MustCompile(`([a-zA-Z_]+)\s*=\s*"([^"]*)"`)

// tagRe matches a balanced pair of name tags with optional attributes.
// Unclosed tags simply never match, which is the tolerance we want.
func tagRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<` + name + `((?:\s+[a-zA-Z_]+\s*=\s*"[^"]*")*)\s*>(.*?)</` + name + `\s*>`)
}

var (
	messageRe    = tagRe("wa_message")
	followupRe   = tagRe("followup")
	actionRe     = tagRe("action_taken")
	goalNewRe    = tagRe("goal_create")
	goalUpdRe    = tagRe("goal_update")
	milestoneRe  = tagRe("milestone_complete")
	hypothesisRe = tagRe("hypothesis")
	reflectionRe = tagRe("reflection")
	nextCycleRe  = tagRe("next_cycle_minutes")
)

func attrs(raw string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(raw, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// Parse scans output for every recognized tag. Tags with required-but-empty
// payloads are dropped.
func Parse(output string) Parsed {
	var p Parsed

	for _, m := range messageRe.FindAllStringSubmatch(output, -1) {
		if body := strings.TrimSpace(m[2]); body != "" {
			p.Messages = append(p.Messages, body)
		}
	}

	for _, m := range followupRe.FindAllStringSubmatch(output, -1) {
		a := attrs(m[1])
		topic := strings.TrimSpace(a["topic"])
		if topic == "" {
			topic = strings.TrimSpace(m[2])
		}
		if topic == "" {
			continue
		}
		ctx := strings.TrimSpace(a["context"])
		if ctx == "" && strings.TrimSpace(a["topic"]) != "" {
			ctx = strings.TrimSpace(m[2])
		}
		p.Followups = append(p.Followups, Followup{Topic: topic, Context: ctx, DueAt: strings.TrimSpace(a["due"])})
	}

	for _, m := range actionRe.FindAllStringSubmatch(output, -1) {
		if body := strings.TrimSpace(m[2]); body != "" {
			p.ActionsTaken = append(p.ActionsTaken, body)
		}
	}

	for _, m := range goalNewRe.FindAllStringSubmatch(output, -1) {
		a := attrs(m[1])
		title := strings.TrimSpace(a["title"])
		if title == "" {
			continue
		}
		p.GoalCreates = append(p.GoalCreates, GoalCreate{
			Title:       title,
			Description: strings.TrimSpace(m[2]),
			Priority:    strings.TrimSpace(a["priority"]),
			Category:    strings.TrimSpace(a["category"]),
		})
	}

	for _, m := range goalUpdRe.FindAllStringSubmatch(output, -1) {
		a := attrs(m[1])
		id := strings.TrimSpace(a["id"])
		if id == "" {
			continue
		}
		p.GoalUpdates = append(p.GoalUpdates, GoalUpdate{
			ID:       id,
			Status:   strings.TrimSpace(a["status"]),
			Progress: strings.TrimSpace(a["progress"]),
			Note:     strings.TrimSpace(m[2]),
		})
	}

	for _, m := range milestoneRe.FindAllStringSubmatch(output, -1) {
		a := attrs(m[1])
		goalID := strings.TrimSpace(a["goal"])
		milestone := strings.TrimSpace(a["milestone"])
		// The body is evidence when the milestone came from the attribute,
		// and the milestone reference itself otherwise.
		evidence := ""
		if milestone != "" {
			evidence = strings.TrimSpace(m[2])
		} else {
			milestone = strings.TrimSpace(m[2])
		}
		if goalID == "" || milestone == "" {
			continue
		}
		p.MilestoneCompletes = append(p.MilestoneCompletes, MilestoneComplete{GoalID: goalID, Milestone: milestone, Evidence: evidence})
	}

	for _, m := range hypothesisRe.FindAllStringSubmatch(output, -1) {
		if body := strings.TrimSpace(m[2]); body != "" {
			p.Hypotheses = append(p.Hypotheses, body)
		}
	}

	for _, m := range reflectionRe.FindAllStringSubmatch(output, -1) {
		if body := strings.TrimSpace(m[2]); body != "" {
			p.Reflections = append(p.Reflections, body)
		}
	}

	// Last occurrence wins; out-of-range values are ignored rather than
	// clamped so a confused model cannot pin the loop to an extreme.
	for _, m := range nextCycleRe.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(strings.TrimSpace(m[2]))
		if err != nil || n < minCycleMinutes || n > maxCycleMinutes {
			continue
		}
		p.NextCycleMinutes = n
	}

	return p
}

// Strip removes all recognized tags from output, leaving the narration.
func Strip(output string) string {
	for _, re := range []*regexp.Regexp{
		messageRe, followupRe, actionRe, goalNewRe, goalUpdRe,
		milestoneRe, hypothesisRe, reflectionRe, nextCycleRe,
	} {
		output = re.ReplaceAllString(output, "")
	}
	return strings.TrimSpace(output)
}

// HasActions reports whether any actionable tag was found.
func (p Parsed) HasActions() bool {
	return len(p.Messages) > 0 || len(p.Followups) > 0 || len(p.ActionsTaken) > 0 ||
		len(p.GoalCreates) > 0 || len(p.GoalUpdates) > 0 || len(p.MilestoneCompletes) > 0 ||
		len(p.Hypotheses) > 0 || len(p.Reflections) > 0 || p.NextCycleMinutes > 0
}
