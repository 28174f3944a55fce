package finalize

import (
	"time"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// BuildRecord превращает сессию в итоговую запись
func BuildRecord(ws session.WatchSession, samplingRate float64, now time.Time) *docstore.SessionRecord {
	s := aggregate.Summarize(ws, samplingRate)
	return &docstore.SessionRecord{
		SessionID:            ws.SessionID,
		UserID:               ws.UserID,
		VideoID:              ws.VideoID,
		CompletionRate:       s.CompletionRate,
		DominantEmotion:      s.DominantEmotion,
		EmotionPercentages:   s.Percentages,
		LabelCounts:          s.LabelCounts,
		FrameCount:           s.FrameCount,
		Duration:             ws.Duration,
		MostEmotionTimeline:  s.MostEmotionTimeline,
		EmotionScoreTimeline: s.EmotionScoreTimeline,
		ClientInfo:           ws.ClientInfo,
		CreatedAt:            now,
	}
}

// Refold пересобирает распределение видео из записей сессий
func Refold(records []docstore.SessionRecord, category string, samplingRate float64) aggregate.Refold {
	totals := make([]aggregate.SessionTotals, 0, len(records))
	for _, rec := range records {
		totals = append(totals, rec.Totals())
	}
	return aggregate.RefoldSessions(totals, category, samplingRate)
}
