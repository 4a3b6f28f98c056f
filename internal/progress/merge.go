package progress

import (
	"sort"

	"github.com/kvlar/examsync/internal/model"
)

// Merge combines a local and a server snapshot. Per-item conflicts resolve to
// the entry with the greater UpdatedAt (local wins ties); scalar fields come
// from the side with the newer LastUpdated. A nil server snapshot leaves the
// local one authoritative. Merge never partial-overwrites: the result is a
// fresh snapshot that callers write back whole.
func Merge(local, server *model.ProgressSnapshot) *model.ProgressSnapshot {
	if server == nil {
		return local
	}
	if local == nil {
		out := *server
		out.AnsweredItems = append([]model.AnsweredItem(nil), server.AnsweredItems...)
		out.PendingSync = false
		return &out
	}

	newer := local
	if server.LastUpdated.After(local.LastUpdated) {
		newer = server
	}

	byIndex := make(map[int]model.AnsweredItem, len(local.AnsweredItems))
	for _, it := range local.AnsweredItems {
		byIndex[it.ItemIndex] = it
	}
	for _, it := range server.AnsweredItems {
		if cur, ok := byIndex[it.ItemIndex]; !ok || it.UpdatedAt > cur.UpdatedAt {
			byIndex[it.ItemIndex] = it
		}
	}
	items := make([]model.AnsweredItem, 0, len(byIndex))
	for _, it := range byIndex {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemIndex < items[j].ItemIndex })

	return &model.ProgressSnapshot{
		LastItemIndex:    newer.LastItemIndex,
		AnsweredItems:    items,
		TimeSpentSeconds: newer.TimeSpentSeconds,
		PendingSync:      local.PendingSync,
		LastUpdated:      newer.LastUpdated,
	}
}
