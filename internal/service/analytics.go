package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// persistAction stores agent actions that name a profile for analytics.
func (s *Service) persistAction(evt domain.ActivityEvent) {
	if evt.Profile == "" {
		return
	}
	method, endpoint := splitAction(evt.Action)
	rec := &domain.ActionRecord{
		Profile:    evt.Profile,
		Method:     method,
		Endpoint:   endpoint,
		URL:        evt.URL,
		TabID:      evt.TabID,
		DurationMs: evt.DurationMs,
		Status:     evt.Status,
		Timestamp:  evt.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.RecordAction(ctx, rec, s.config.ActionHistoryLimit); err != nil {
		s.log.WithError(err).WithField("profile", evt.Profile).Warn("failed to record action")
	}
}

func splitAction(action string) (string, string) {
	if i := strings.IndexByte(action, ' '); i > 0 {
		return action[:i], action[i+1:]
	}
	return "", action
}

// ActionLogs returns the persisted actions of a profile, oldest first.
func (s *Service) ActionLogs(ctx context.Context, nameOrID string, limit int) ([]domain.ActionRecord, error) {
	p, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListActions(ctx, p.Name, limit)
	if err != nil {
		return nil, err
	}
	reverse(recs)
	if recs == nil {
		recs = []domain.ActionRecord{}
	}
	return recs, nil
}

// Analytics summarizes how agents use a profile and suggests cheaper
// access patterns.
func (s *Service) Analytics(ctx context.Context, nameOrID string) (*domain.AnalyticsReport, error) {
	p, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListActions(ctx, p.Name, 0)
	if err != nil {
		return nil, err
	}
	reverse(recs)
	return analyze(p.Name, recs, time.Now()), nil
}

func reverse(recs []domain.ActionRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// analyze expects recs oldest first.
func analyze(profile string, recs []domain.ActionRecord, now time.Time) *domain.AnalyticsReport {
	report := &domain.AnalyticsReport{
		Profile:      profile,
		TotalActions: len(recs),
		CommonHosts:  map[string]int{},
		TopEndpoints: []domain.EndpointCount{},
	}
	if len(recs) == 0 {
		report.Suggestions = []string{"No actions recorded yet."}
		return report
	}
	since := recs[0].Timestamp
	report.Since = &since

	type epStat struct {
		count   int
		totalMs int64
	}
	endpoints := map[string]*epStat{}
	snapshots := map[string][]time.Time{}
	snapCount := 0

	for _, rec := range recs {
		if now.Sub(rec.Timestamp) <= 24*time.Hour {
			report.Last24h++
		}
		if rec.URL != "" {
			if u, err := url.Parse(rec.URL); err == nil && u.Host != "" {
				report.CommonHosts[u.Host]++
			}
		}
		st, ok := endpoints[rec.Endpoint]
		if !ok {
			st = &epStat{}
			endpoints[rec.Endpoint] = st
		}
		st.count++
		st.totalMs += rec.DurationMs

		if rec.Endpoint == "/snapshot" {
			snapCount++
			if rec.URL != "" {
				snapshots[rec.URL] = append(snapshots[rec.URL], rec.Timestamp)
			}
		}
	}

	for endpoint, st := range endpoints {
		report.TopEndpoints = append(report.TopEndpoints, domain.EndpointCount{
			Endpoint: endpoint,
			Count:    st.count,
			AvgMs:    st.totalMs / int64(st.count),
		})
	}
	sort.Slice(report.TopEndpoints, func(i, j int) bool {
		a, b := report.TopEndpoints[i], report.TopEndpoints[j]
		if a.Count == b.Count {
			return a.Endpoint < b.Endpoint
		}
		return a.Count > b.Count
	})
	if len(report.TopEndpoints) > 10 {
		report.TopEndpoints = report.TopEndpoints[:10]
	}

	for u, times := range snapshots {
		if len(times) < 3 {
			continue
		}
		gap := times[len(times)-1].Sub(times[0]).Seconds() / float64(len(times)-1)
		report.RepeatPatterns = append(report.RepeatPatterns, domain.RepeatPattern{
			Pattern:   "snapshot " + truncURL(u),
			Count:     len(times),
			AvgGapSec: gap,
		})
	}

	navSnap := map[string]int{}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].Endpoint == "/navigate" && recs[i].Endpoint == "/snapshot" {
			navSnap[truncURL(recs[i-1].URL)]++
		}
	}
	for u, count := range navSnap {
		if count >= 3 {
			report.RepeatPatterns = append(report.RepeatPatterns, domain.RepeatPattern{
				Pattern: "navigate→snapshot " + u,
				Count:   count,
			})
		}
	}
	sort.Slice(report.RepeatPatterns, func(i, j int) bool {
		return report.RepeatPatterns[i].Pattern < report.RepeatPatterns[j].Pattern
	})

	for _, pattern := range report.RepeatPatterns {
		if strings.HasPrefix(pattern.Pattern, "snapshot ") && pattern.AvgGapSec > 0 && pattern.AvgGapSec < 10 {
			report.Suggestions = append(report.Suggestions,
				fmt.Sprintf("High-frequency polling detected: %s every %.0fs; consider a longer interval or a smart diff", pattern.Pattern, pattern.AvgGapSec))
		}
		if strings.HasPrefix(pattern.Pattern, "navigate→snapshot ") && pattern.Count > 5 {
			report.Suggestions = append(report.Suggestions,
				fmt.Sprintf("Repeated %s (%dx); consider caching or /text for lighter reads", pattern.Pattern, pattern.Count))
		}
	}
	if snapCount > 20 {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("Heavy snapshot usage (%d calls); use ?selector= or ?maxTokens= to reduce token cost", snapCount))
	}
	if len(report.Suggestions) == 0 {
		report.Suggestions = []string{"No optimization suggestions, usage looks efficient."}
	}
	return report
}

func truncURL(u string) string {
	if len(u) > 60 {
		return u[:57] + "..."
	}
	return u
}
