package policydoc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
)

// ValidationError collects every defect found in a document so a failed save
// reports the full picture at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid policy document: " + strings.Join(e.Problems, "; ")
}

// Validate checks the whole document before commit. Rules:
//   - "gates" is an object of gate overrides; each override may set
//     "enabled" (bool) and "default_action" (allow|ask|block).
//   - "allowlist" is an array of rules, each with non-empty agent_id, host
//     and command_signature.
//   - every allow rule's agent must have a binding under "agents"; a rule
//     without one is orphaned and rejected.
func Validate(doc map[string]any) *ValidationError {
	var problems []string

	boundAgents := map[string]struct{}{}
	if rawAgents, ok := doc["agents"]; ok {
		agents, ok := rawAgents.(map[string]any)
		if !ok {
			problems = append(problems, `"agents" must be an object`)
		} else {
			for id, binding := range agents {
				if _, ok := binding.(map[string]any); !ok {
					problems = append(problems, fmt.Sprintf("agent binding %q must be an object", id))
					continue
				}
				boundAgents[id] = struct{}{}
			}
		}
	}

	if rawGates, ok := doc["gates"]; ok {
		gates, ok := rawGates.(map[string]any)
		if !ok {
			problems = append(problems, `"gates" must be an object`)
		} else {
			for id, rawOverride := range gates {
				override, ok := rawOverride.(map[string]any)
				if !ok {
					problems = append(problems, fmt.Sprintf("gate override %q must be an object", id))
					continue
				}
				if v, ok := override["enabled"]; ok {
					if _, ok := v.(bool); !ok {
						problems = append(problems, fmt.Sprintf("gate override %q: enabled must be a boolean", id))
					}
				}
				if v, ok := override["default_action"]; ok {
					action, _ := v.(string)
					if !models.GateAction(action).Valid() {
						problems = append(problems, fmt.Sprintf("gate override %q: default_action %v is not allow|ask|block", id, v))
					}
				}
			}
		}
	}

	if rawRules, ok := doc["allowlist"]; ok {
		rules, ok := rawRules.([]any)
		if !ok {
			problems = append(problems, `"allowlist" must be an array`)
		} else {
			for i, rawRule := range rules {
				entry, ok := rawRule.(map[string]any)
				if !ok {
					problems = append(problems, fmt.Sprintf("allowlist[%d] must be an object", i))
					continue
				}
				agentID := stringField(entry, "agent_id")
				if agentID == "" {
					problems = append(problems, fmt.Sprintf("allowlist[%d]: agent_id required", i))
				}
				if stringField(entry, "host") == "" {
					problems = append(problems, fmt.Sprintf("allowlist[%d]: host required", i))
				}
				if stringField(entry, "command_signature") == "" {
					problems = append(problems, fmt.Sprintf("allowlist[%d]: command_signature required", i))
				}
				if agentID != "" {
					if _, ok := boundAgents[agentID]; !ok {
						problems = append(problems, fmt.Sprintf("allowlist[%d]: orphaned rule, agent %q has no binding", i, agentID))
					}
				}
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
