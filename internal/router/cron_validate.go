package router

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validateCronExpressions implements step 3 of the per-call pipeline:
// for skill-store tools, any "cronExpression" string found anywhere in
// the argument document must parse, or the call is rejected before
// dispatch.
func validateCronExpressions(args json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return nil
	}
	for _, expr := range findCronExpressions(doc) {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("invalid cronExpression %q: %w", expr, err)
		}
	}
	return nil
}

func findCronExpressions(v any) []string {
	var found []string
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if key == "cronExpression" {
				if s, ok := child.(string); ok {
					found = append(found, s)
					continue
				}
			}
			found = append(found, findCronExpressions(child)...)
		}
	case []any:
		for _, child := range val {
			found = append(found, findCronExpressions(child)...)
		}
	}
	return found
}
