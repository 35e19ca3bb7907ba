package tracker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/logging"
)

// Progress summarizes the state of the project's issues.
type Progress struct {
	Total      int `json:"total_issues"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Todo       int `json:"todo"`
	// Percentage is (completed + 0.25*in_progress) / total, in percent.
	Percentage float64 `json:"progress_percentage"`
	// Velocity is completed issues per session.
	Velocity            float64 `json:"velocity"`
	EstimatedCompletion string  `json:"estimated_completion"`
}

// CalculateProgress counts issues by state type. Canceled issues are left out.
// sessions below one is treated as one.
func CalculateProgress(issues []Issue, sessions int) Progress {
	var p Progress
	for _, issue := range issues {
		switch issue.State.Type {
		case StateCanceled:
			continue
		case StateCompleted:
			p.Completed++
		case StateStarted:
			p.InProgress++
		default:
			p.Todo++
		}
		p.Total++
	}

	if p.Total > 0 {
		p.Percentage = round((float64(p.Completed)+0.25*float64(p.InProgress))/float64(p.Total)*100, 1)
	}
	if sessions < 1 {
		sessions = 1
	}
	p.Velocity = round(float64(p.Completed)/float64(sessions), 2)

	p.EstimatedCompletion = "Unknown"
	if p.Velocity > 0 {
		remaining := float64(p.Todo + p.InProgress)
		// Two sessions a day.
		days := remaining / p.Velocity * 0.5
		p.EstimatedCompletion = fmt.Sprintf("%d days", int(days))
	}
	return p
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Milestone is a project phase reached at a target percentage.
type Milestone struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Target      int    `json:"target"`
}

// Milestones are the project phases in order.
var Milestones = []Milestone{
	{Key: "setup", Name: "Project Setup", Description: "Initial project scaffolding and infrastructure", Target: 10},
	{Key: "core", Name: "Core Features", Description: "Essential functionality and critical features", Target: 40},
	{Key: "features", Name: "Feature Implementation", Description: "Secondary features and enhancements", Target: 75},
	{Key: "polish", Name: "Polish & Refinement", Description: "UI polish, performance optimization, bug fixes", Target: 95},
	{Key: "complete", Name: "Project Complete", Description: "All features implemented and tested", Target: 100},
}

// CurrentMilestone returns the first milestone whose target is above pct.
func CurrentMilestone(pct float64) Milestone {
	for _, m := range Milestones {
		if pct < float64(m.Target) {
			return m
		}
	}
	return Milestones[len(Milestones)-1]
}

// Health is the overall project status.
type Health string

const (
	HealthOnTrack  Health = "on_track"
	HealthAtRisk   Health = "at_risk"
	HealthOffTrack Health = "off_track"
)

// DetermineHealth classifies a project by progress, velocity and error count.
func DetermineHealth(pct, velocity float64, errors int) Health {
	switch {
	case velocity > 0.8 && errors < 5 && pct > 20:
		return HealthOnTrack
	case velocity > 0.3 && errors < 10:
		return HealthAtRisk
	default:
		return HealthOffTrack
	}
}

// Label returns a title-cased label such as "On Track".
func (h Health) Label() string {
	words := strings.Split(string(h), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func (h Health) icon() string {
	switch h {
	case HealthOnTrack:
		return "🟢"
	case HealthAtRisk:
		return "🟡"
	case HealthOffTrack:
		return "🔴"
	default:
		return "⚪"
	}
}

// SessionMetrics describes the session being summarized.
type SessionMetrics struct {
	Sessions int
	Errors   int
	Duration time.Duration
	Worker   string
	Usage    UsageStats
}

// Summary is the session summary posted to the META issue.
type Summary struct {
	Time      time.Time
	Completed []string
	Progress  Progress
	Milestone Milestone
	Health    Health
	Metrics   SessionMetrics
	Next      []Issue
}

// BuildSummary computes a summary from the current issues.
func BuildSummary(now time.Time, issues []Issue, completed []string, m SessionMetrics) Summary {
	progress := CalculateProgress(issues, m.Sessions)
	next := Todo(issues)
	if len(next) > 3 {
		next = next[:3]
	}
	return Summary{
		Time:      now,
		Completed: completed,
		Progress:  progress,
		Milestone: CurrentMilestone(progress.Percentage),
		Health:    DetermineHealth(progress.Percentage, progress.Velocity, m.Errors),
		Metrics:   m,
		Next:      next,
	}
}

var priorityLabels = map[int]string{
	1: "🔴 URGENT",
	2: "🟠 HIGH",
	3: "🟡 MEDIUM",
	4: "🟢 LOW",
}

// Markdown renders the summary as a tracker comment.
func (s Summary) Markdown() string {
	var b strings.Builder
	p := s.Progress

	fmt.Fprintf(&b, "## Session Complete - %s\n\n", s.Time.Format("2006-01-02 15:04"))
	if s.Metrics.Worker != "" {
		fmt.Fprintf(&b, "Worker: `%s`\n\n", s.Metrics.Worker)
	}

	b.WriteString("### Issues Completed This Session\n")
	if len(s.Completed) == 0 {
		b.WriteString("- No issues completed\n")
	}
	for _, title := range s.Completed {
		fmt.Fprintf(&b, "- %s\n", title)
	}

	b.WriteString("\n### Progress Overview\n")
	fmt.Fprintf(&b, "- **Total Progress**: %.1f%% complete\n", p.Percentage)
	fmt.Fprintf(&b, "- **Issues**: %d/%d done, %d in progress, %d remaining\n", p.Completed, p.Total, p.InProgress, p.Todo)
	fmt.Fprintf(&b, "- **Current Milestone**: %s (Target: %d%%)\n", s.Milestone.Name, s.Milestone.Target)
	fmt.Fprintf(&b, "- **Velocity**: %.2f issues/session\n", p.Velocity)
	fmt.Fprintf(&b, "- **Estimated Completion**: %s\n", p.EstimatedCompletion)

	b.WriteString("\n### Health Status\n")
	fmt.Fprintf(&b, "%s **%s**\n", s.Health.icon(), s.Health.Label())

	b.WriteString("\n### Session Metrics\n")
	fmt.Fprintf(&b, "- **Linear API Calls**: %d (Cached: %d)\n", s.Metrics.Usage.TotalCalls, s.Metrics.Usage.CacheHits)
	fmt.Fprintf(&b, "- **Errors**: %d\n", s.Metrics.Errors)
	fmt.Fprintf(&b, "- **Session Duration**: %d minutes\n", int(s.Metrics.Duration.Minutes()))

	b.WriteString("\n### Next Session Priorities\n")
	if len(s.Next) == 0 {
		b.WriteString("🎉 All issues completed!\n")
	}
	for _, issue := range s.Next {
		label, ok := priorityLabels[issue.Priority]
		if !ok {
			label = "⚪ NO PRIORITY"
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, issue.Title)
	}

	b.WriteString("\n---\n*Generated by autocoder*\n")
	return b.String()
}

// Reporter posts a session summary to the project's META issue after each
// session. Issues completed since the previous report are listed by title.
type Reporter struct {
	tracker Tracker
	project Project
	usage   *Usage
	log     *logging.Logger
	now     func() time.Time

	mu   sync.Mutex
	done map[string]bool
}

// NewReporter returns a reporter for project.
func NewReporter(t Tracker, project Project, usage *Usage, log *logging.Logger) *Reporter {
	return &Reporter{
		tracker: t,
		project: project,
		usage:   usage,
		log:     log.With("report"),
		now:     time.Now,
	}
}

// Baseline records the currently completed issues so the first report lists
// only work done after it.
func (r *Reporter) Baseline(ctx context.Context) error {
	issues, err := r.tracker.ListIssues(ctx, r.project.ProjectID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = completedSet(issues)
	return nil
}

// Report builds the current summary and, when the project has a META issue,
// posts it there.
func (r *Reporter) Report(ctx context.Context, m SessionMetrics) (Summary, error) {
	issues, err := r.tracker.ListIssues(ctx, r.project.ProjectID)
	if err != nil {
		return Summary{}, fmt.Errorf("list issues: %w", err)
	}
	issues = withoutIDs(issues, []string{r.project.MetaIssueID})

	r.mu.Lock()
	var completed []string
	current := completedSet(issues)
	for _, issue := range issues {
		if current[issue.ID] && (r.done == nil || !r.done[issue.ID]) {
			completed = append(completed, issue.Identifier+": "+issue.Title)
		}
	}
	r.done = current
	r.mu.Unlock()

	m.Usage = r.usage.Stats()
	summary := BuildSummary(r.now(), issues, completed, m)
	if r.project.MetaIssueID == "" {
		return summary, nil
	}
	if _, err := r.tracker.CreateComment(ctx, r.project.MetaIssueID, summary.Markdown()); err != nil {
		return summary, fmt.Errorf("post session summary: %w", err)
	}
	r.log.Infof("posted session summary: %.1f%% complete, %s", summary.Progress.Percentage, summary.Health)
	return summary, nil
}

func completedSet(issues []Issue) map[string]bool {
	set := make(map[string]bool)
	for _, issue := range issues {
		if issue.State.Type == StateCompleted {
			set[issue.ID] = true
		}
	}
	return set
}
