// Package gate decides whether mutating calendar actions requested by
// the model should be deferred pending user confirmation. The classifier
// is a pure function over the question text, the extracted time window,
// and the requested tool calls: no side effects, no external calls, so
// its pattern sets can be swapped and tested in isolation from the
// orchestration loop.
package gate

import (
	"regexp"

	"github.com/almanac-ai/almanac/internal/args"
	"github.com/almanac-ai/almanac/internal/llm"
	"github.com/almanac-ai/almanac/internal/timerange"
)

// ClarificationPrompt is the fixed assistant turn emitted when a
// mutating request is deferred.
const ClarificationPrompt = `Before I change your calendar, I want to get the details right. Could you tell me:

1. What date or date range should this be on?
2. Is it a one-off or repeating, and how long should each occurrence last?
3. What time of day do you prefer (morning, afternoon, evening)?
4. Should I avoid conflicts with your existing events, or is overlap fine?
5. How far in advance would you like a reminder?`

// Tool names that change calendar state.
const (
	ToolGetCalendar   = "get_calendar"
	ToolScheduleEvent = "schedule_event"
	ToolEditEvent     = "edit_event"
	ToolDeleteEvent   = "delete_event"
)

// MutatingTool reports whether the named tool changes calendar state.
func MutatingTool(name string) bool {
	switch name {
	case ToolScheduleEvent, ToolEditEvent, ToolDeleteEvent:
		return true
	}
	return false
}

// Classifier holds the pattern sets. The zero value is unusable; use
// New for the shipped defaults or build one with custom patterns.
type Classifier struct {
	// noAction matches explicit "do not act yet" phrasing. A match
	// defers unconditionally.
	noAction []*regexp.Regexp
	// intent matches scheduling intent.
	intent []*regexp.Regexp
	// ambiguousTime matches vague time expressions.
	ambiguousTime []*regexp.Regexp
}

var (
	defaultNoAction = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(don'?t|do not|no need to)\s+(schedule|book|create|add|change|delete|act)`),
		regexp.MustCompile(`(?i)\bnot\s+(yet|now|right now)\b`),
		regexp.MustCompile(`(?i)\bjust\s+(checking|asking|curious|looking)\b`),
		regexp.MustCompile(`(?i)\bhold\s+off\b`),
		regexp.MustCompile(`先不要|先别|先不用|暂时不|暂缓`),
		regexp.MustCompile(`不要(安排|预约|创建|修改|删除)`),
		regexp.MustCompile(`别(安排|预约|创建|动)`),
		regexp.MustCompile(`只是(问问|看看|了解)`),
	}

	defaultIntent = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(schedule|book|arrange|set\s+up|plan|add|create|remind)\b`),
		regexp.MustCompile(`安排|预约|计划|提醒|定个|订个|约个|加个`),
	}

	defaultAmbiguousTime = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(sometime|some\s+time|whenever|recently|soon|at\s+some\s+point|later\s+this)\b`),
		regexp.MustCompile(`(?i)\bwhen\s+(i'?m|i\s+am)\s+free\b`),
		regexp.MustCompile(`(?i)\bfind\s+(a\s+|some\s+)?time\b`),
		regexp.MustCompile(`最近|找时间|找个时间|有空|抽空|回头|改天|过几天|什么时候`),
	}
)

// New returns a classifier with the shipped multilingual pattern sets.
func New() *Classifier {
	return &Classifier{
		noAction:      defaultNoAction,
		intent:        defaultIntent,
		ambiguousTime: defaultAmbiguousTime,
	}
}

// NewWithPatterns builds a classifier from custom pattern sets.
func NewWithPatterns(noAction, intent, ambiguousTime []*regexp.Regexp) *Classifier {
	return &Classifier{
		noAction:      noAction,
		intent:        intent,
		ambiguousTime: ambiguousTime,
	}
}

// ShouldDefer reports whether the requested calls must wait for user
// confirmation. Rules, in order:
//
//  1. No mutating call requested: never defer.
//  2. Explicit no-action phrasing in the question: always defer.
//  3. Every mutating call already argument-complete for its tool:
//     never defer, regardless of phrasing.
//  4. Otherwise defer only when the question shows scheduling intent
//     and either matches an ambiguous-time pattern or no time window
//     was extracted.
func (c *Classifier) ShouldDefer(question string, extracted *timerange.Range, calls []llm.ToolCall) bool {
	var mutating []llm.ToolCall
	for _, call := range calls {
		if MutatingTool(call.Function.Name) {
			mutating = append(mutating, call)
		}
	}
	if len(mutating) == 0 {
		return false
	}

	if matchAny(c.noAction, question) {
		return true
	}

	allSufficient := true
	for _, call := range mutating {
		if !Sufficient(call.Function.Name, args.Parse(call.Function.Arguments)) {
			allSufficient = false
			break
		}
	}
	if allSufficient {
		return false
	}

	if !matchAny(c.intent, question) {
		return false
	}
	return matchAny(c.ambiguousTime, question) || extracted == nil
}

// Sufficient reports whether the parsed arguments are already concrete
// enough to execute the named mutating tool without clarification:
// schedule needs start, end, and a title; edit needs the identifier
// plus start, end, and title; delete needs the identifier only.
func Sufficient(tool string, a map[string]any) bool {
	switch tool {
	case ToolScheduleEvent:
		return args.String(a, "start") != "" &&
			args.String(a, "end") != "" &&
			args.String(a, "summary") != ""
	case ToolEditEvent:
		return args.String(a, "eventId") != "" &&
			args.String(a, "start") != "" &&
			args.String(a, "end") != "" &&
			args.String(a, "summary") != ""
	case ToolDeleteEvent:
		return args.String(a, "eventId") != ""
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
