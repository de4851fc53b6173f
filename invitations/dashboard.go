package invitations

import (
	"context"
	"sort"
	"time"

	"github.com/gatehouse-io/gatehouse/models"
)

type (
	// DashboardStats summarizes the invitation corpus for operators.
	DashboardStats struct {
		Total          int64            `json:"total"`
		ByStatus       map[string]int64 `json:"byStatus"`
		AcceptanceRate float64          `json:"acceptanceRate"`
		ExpiringSoon   int64            `json:"expiringSoon"`
		CreatedLast7d  int64            `json:"createdLast7Days"`
		AcceptedLast7d int64            `json:"acceptedLast7Days"`
		TopInviters    []KeyCount       `json:"topInviters"`
		FailedAttempts []KeyCount       `json:"failedAttempts"`
		Recent         []RecentAccept   `json:"recentAccepts"`
	}

	// KeyCount is a ranked counter row, keyed by inviter or invitee email.
	KeyCount struct {
		Key   string `json:"key"`
		Count int64  `json:"count"`
	}

	// RecentAccept is one row of the recent-acceptance feed.
	RecentAccept struct {
		Email      string    `json:"email"`
		Role       string    `json:"role"`
		AcceptedAt time.Time `json:"acceptedAt"`
		Location   string    `json:"location,omitempty"`
		Device     string    `json:"device,omitempty"`
	}
)

const (
	recentAcceptLimit = 10
	rankedRowLimit    = 5
)

// Dashboard computes invitation statistics over the full corpus. Counting in
// process keeps the numbers consistent with each other since they all derive
// from a single read.
func (m *Manager) Dashboard(ctx context.Context) (*DashboardStats, error) {
	all, err := m.repo.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	weekAgo := now.Add(-7 * 24 * time.Hour)
	reminderHorizon := now.Add(m.reminderWindow())

	stats := &DashboardStats{
		ByStatus: map[string]int64{
			string(models.StatusPending):  0,
			string(models.StatusAccepted): 0,
			string(models.StatusRevoked):  0,
			string(models.StatusExpired):  0,
		},
		Recent: []RecentAccept{},
	}
	inviters := map[string]int64{}
	attempts := map[string]int64{}

	for i := range all {
		invitation := &all[i]
		stats.Total++
		stats.ByStatus[string(invitation.Status)]++

		if invitation.CreatedAt.After(weekAgo) {
			stats.CreatedLast7d++
		}
		if invitation.InvitedBy != "" {
			inviters[invitation.InvitedBy]++
		}
		if invitation.FailedAttempts > 0 {
			attempts[invitation.Email] = int64(invitation.FailedAttempts)
		}
		if invitation.Status == models.StatusPending &&
			invitation.ExpiresAt.After(now) && invitation.ExpiresAt.Before(reminderHorizon) {
			stats.ExpiringSoon++
		}
		if invitation.Status == models.StatusAccepted && invitation.AcceptedAt != nil {
			if invitation.AcceptedAt.After(weekAgo) {
				stats.AcceptedLast7d++
			}
			if len(stats.Recent) < recentAcceptLimit {
				stats.Recent = append(stats.Recent, RecentAccept{
					Email:      invitation.Email,
					Role:       invitation.Role,
					AcceptedAt: *invitation.AcceptedAt,
					Location:   invitation.AcceptedFromLocation,
					Device:     invitation.AcceptedByDevice,
				})
			}
		}
	}

	resolved := stats.ByStatus[string(models.StatusAccepted)] +
		stats.ByStatus[string(models.StatusRevoked)] +
		stats.ByStatus[string(models.StatusExpired)]
	if resolved > 0 {
		stats.AcceptanceRate = float64(stats.ByStatus[string(models.StatusAccepted)]) / float64(resolved)
	}
	stats.TopInviters = rankCounts(inviters)
	stats.FailedAttempts = rankCounts(attempts)
	return stats, nil
}

// rankCounts turns a counter map into rows ordered by count descending, key
// ascending on ties, truncated to rankedRowLimit.
func rankCounts(counts map[string]int64) []KeyCount {
	rows := make([]KeyCount, 0, len(counts))
	for key, count := range counts {
		rows = append(rows, KeyCount{Key: key, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Key < rows[j].Key
	})
	if len(rows) > rankedRowLimit {
		rows = rows[:rankedRowLimit]
	}
	return rows
}
