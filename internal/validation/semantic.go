package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rskumar/orderflow/internal/expressions"
	"github.com/rskumar/orderflow/pkg/schema"
)

var knownResources = map[string]bool{
	schema.ResourceStartJobRun: true,
	schema.ResourceGetJobRun:   true,
	schema.ResourcePublish:     true,
}

// validateSemantic checks references between states and compiles every
// path, condition and expression so a broken definition is rejected before
// the first execution uses it.
func validateSemantic(def *schema.MachineDefinition, exprs *expressions.Set) schema.Issues {
	var issues schema.Issues

	if _, ok := def.States[def.StartAt]; !ok {
		issues.Add("StartAt", "references non-existent state %q", def.StartAt)
	}

	for _, name := range sortedStateNames(def) {
		st := def.States[name]
		path := "States." + name
		checkTransitions(def, st, path, &issues)

		switch st.Type {
		case schema.StateTypeTask:
			if !knownResources[st.Resource] {
				issues.Add(path+".Resource", "unknown resource %q", st.Resource)
			}
			checkParameters(st.Parameters, path+".Parameters", exprs, &issues)
			if st.Resource == schema.ResourcePublish {
				checkPublishParameters(st.Parameters, path+".Parameters", &issues)
			}
			if st.ResultPath != "" {
				if _, err := expressions.PathToJQ(st.ResultPath); err != nil {
					issues.Add(path+".ResultPath", "%s", err.Error())
				}
			}
		case schema.StateTypeWait:
			if st.Seconds < 0 {
				issues.Add(path+".Seconds", "must not be negative")
			}
		case schema.StateTypeChoice:
			for i, rule := range st.Choices {
				rulePath := fmt.Sprintf("%s.Choices[%d]", path, i)
				checkChoiceRule(rule, rulePath, exprs, &issues)
			}
		}
	}
	return issues
}

func checkTransitions(def *schema.MachineDefinition, st schema.StateDefinition, path string, issues *schema.Issues) {
	exists := func(field, target string) {
		if _, ok := def.States[target]; !ok {
			issues.Add(path+"."+field, "references non-existent state %q", target)
		}
	}

	if st.Type == schema.StateTypeChoice {
		if st.End || st.Next != "" {
			issues.Add(path, "a Choice state routes through Choices and Default only")
		}
		for i, rule := range st.Choices {
			exists(fmt.Sprintf("Choices[%d].Next", i), rule.Next)
		}
		if st.Default != "" {
			exists("Default", st.Default)
		}
		return
	}

	switch {
	case st.End && st.Next != "":
		issues.Add(path, "End and Next are mutually exclusive")
	case !st.End && st.Next == "":
		issues.Add(path, "needs either Next or End")
	case st.Next != "":
		exists("Next", st.Next)
	}
	if st.Default != "" || len(st.Choices) > 0 {
		issues.Add(path, "only Choice states may declare Choices or Default")
	}
}

func checkParameters(params map[string]any, path string, exprs *expressions.Set, issues *schema.Issues) {
	for key, raw := range params {
		keyPath := path + "." + key
		switch {
		case strings.HasSuffix(key, ".$"):
			p, ok := raw.(string)
			if !ok {
				issues.Add(keyPath, "must be a path string")
				continue
			}
			if _, err := expressions.PathToJQ(p); err != nil {
				issues.Add(keyPath, "%s", err.Error())
			}
		case strings.HasSuffix(key, ".="):
			src, ok := raw.(string)
			if !ok {
				issues.Add(keyPath, "must be an expression string")
				continue
			}
			if err := exprs.Expr.Check(src); err != nil {
				issues.Add(keyPath, "%s", err.Error())
			}
		default:
			if nested, ok := raw.(map[string]any); ok {
				checkParameters(nested, keyPath, exprs, issues)
			}
		}
	}
}

func checkPublishParameters(params map[string]any, path string, issues *schema.Issues) {
	var channel string
	if v, ok := params["Channel"].(string); ok {
		channel = strings.ToUpper(v)
	}
	if schema.Channel(channel) != schema.ChannelSuccess && schema.Channel(channel) != schema.ChannelFailure {
		issues.Add(path+".Channel", "must be %s or %s", schema.ChannelSuccess, schema.ChannelFailure)
	}
	if !hasParam(params, "Message") {
		issues.Add(path, "a publish task needs a Message")
	}
}

func checkChoiceRule(rule schema.ChoiceRule, path string, exprs *expressions.Set, issues *schema.Issues) {
	if rule.Condition != "" {
		if err := exprs.CEL.Check(rule.Condition); err != nil {
			issues.Add(path+".Condition", "%s", err.Error())
		}
		return
	}
	if _, err := expressions.PathToJQ(rule.Variable); err != nil {
		issues.Add(path+".Variable", "%s", err.Error())
	}
}

func hasParam(params map[string]any, name string) bool {
	for _, k := range []string{name, name + ".$", name + ".="} {
		if _, ok := params[k]; ok {
			return true
		}
	}
	return false
}

func sortedStateNames(def *schema.MachineDefinition) []string {
	names := make([]string, 0, len(def.States))
	for name := range def.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
