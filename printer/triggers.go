package printer

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/fornellas/printhost/settings"
)

type pauseAction int

const (
	pauseEnable pauseAction = iota
	pauseDisable
	pauseToggle
)

var pauseActions = map[string]pauseAction{
	"enable":  pauseEnable,
	"disable": pauseDisable,
	"toggle":  pauseToggle,
}

type pauseTrigger struct {
	regexp *regexp.Regexp
	action pauseAction
}

type feedbackControl struct {
	key      string
	regexp   *regexp.Regexp
	template string
}

// triggers match device lines against user configured regular expressions.
type triggers struct {
	pause    []pauseTrigger
	feedback []feedbackControl
}

func newTriggers(pause []settings.PauseTrigger, feedback []settings.Feedback) (*triggers, error) {
	t := &triggers{}
	var errs []error
	for _, p := range pause {
		action, ok := pauseActions[p.Type]
		if !ok {
			errs = append(errs, fmt.Errorf("printer: pause trigger %q: unknown type %q", p.Regex, p.Type))
			continue
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			errs = append(errs, fmt.Errorf("printer: pause trigger: %w", err))
			continue
		}
		t.pause = append(t.pause, pauseTrigger{regexp: re, action: action})
	}
	for _, f := range feedback {
		re, err := regexp.Compile(f.Regex)
		if err != nil {
			errs = append(errs, fmt.Errorf("printer: feedback %q: %w", f.Key, err))
			continue
		}
		t.feedback = append(t.feedback, feedbackControl{key: f.Key, regexp: re, template: f.Template})
	}
	return t, errors.Join(errs...)
}

// matchFeedback calls fn with the formatted template of every feedback control matching line.
// Templates refer to submatches as $1, ${name}...
func (t *triggers) matchFeedback(line string, fn func(key, message string)) bool {
	matched := false
	for _, f := range t.feedback {
		match := f.regexp.FindStringSubmatchIndex(line)
		if match == nil {
			continue
		}
		matched = true
		fn(f.key, string(f.regexp.ExpandString(nil, f.template, line, match)))
	}
	return matched
}

// matchPause returns the action of the first pause trigger matching line.
func (t *triggers) matchPause(line string) (pauseAction, bool) {
	for _, p := range t.pause {
		if p.regexp.MatchString(line) {
			return p.action, true
		}
	}
	return 0, false
}
