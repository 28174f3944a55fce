package docstore

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// ErrNotFound - документ не найден
var ErrNotFound = errors.New("document not found")

// Коллекции
const (
	CollectionSessionRecords = "session_records"
	CollectionTimeline       = "video_timeline_emotion_count"
	CollectionDistribution   = "video_distribution"
	CollectionSagaLog        = "saga_transaction_log"
)

// TimelineSchemaVersion - единственная поддерживаемая форма счетчиков таймлайна
const TimelineSchemaVersion = 2

// TimelineCounts - счетчики меток по бакетам видео.
// counts: ключ бакета -> метка -> число кадров.
type TimelineCounts struct {
	ID            primitive.ObjectID                 `json:"-" bson:"_id,omitempty"`
	VideoID       string                             `json:"video_id" bson:"video_id"`
	SchemaVersion int                                `json:"schema_version" bson:"schema_version"`
	EmotionLabels []emotion.Label                    `json:"emotion_labels" bson:"emotion_labels"`
	Counts        map[string]map[emotion.Label]int64 `json:"counts" bson:"counts"`
	CreatedAt     time.Time                          `json:"created_at" bson:"created_at"`
}

// BucketCounts возвращает счетчики одного бакета
func (t *TimelineCounts) BucketCounts(bucket int64) map[emotion.Label]int64 {
	out := make(map[emotion.Label]int64, len(emotion.Labels))
	for l, n := range t.Counts[aggregate.BucketKey(bucket)] {
		out[l] = n
	}
	return out
}

// VideoDistribution - распределение эмоций видео для рекомендаций
type VideoDistribution struct {
	ID                primitive.ObjectID      `json:"-" bson:"_id,omitempty"`
	VideoID           string                  `json:"video_id" bson:"video_id"`
	Counts            map[emotion.Label]int64 `json:"counts" bson:"counts"`
	TotalFrames       int64                   `json:"total_frames" bson:"total_frames"`
	SessionCount      int64                   `json:"session_count" bson:"session_count"`
	aggregate.Derived `bson:",inline"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" bson:"updated_at"`
}

// SessionRecord - итог сессии просмотра, один на session_id
type SessionRecord struct {
	ID                   primitive.ObjectID              `json:"-" bson:"_id,omitempty"`
	SessionID            string                          `json:"session_id" bson:"session_id"`
	UserID               string                          `json:"user_id" bson:"user_id"`
	VideoID              string                          `json:"video_id" bson:"video_id"`
	CompletionRate       float64                         `json:"completion_rate" bson:"completion_rate"`
	DominantEmotion      emotion.Label                   `json:"dominant_emotion" bson:"dominant_emotion"`
	EmotionPercentages   map[emotion.Label]float64       `json:"emotion_percentages" bson:"emotion_percentages"`
	LabelCounts          map[emotion.Label]int64         `json:"label_counts" bson:"label_counts"`
	FrameCount           int64                           `json:"frame_count" bson:"frame_count"`
	Duration             float64                         `json:"duration" bson:"duration"`
	MostEmotionTimeline  map[string]emotion.Label        `json:"most_emotion_timeline" bson:"most_emotion_timeline"`
	EmotionScoreTimeline map[string]emotion.Distribution `json:"emotion_score_timeline" bson:"emotion_score_timeline"`
	ClientInfo           session.ClientInfo              `json:"client_info" bson:"client_info"`
	CreatedAt            time.Time                       `json:"created_at" bson:"created_at"`
}

// Totals - вклад записи в распределение видео
func (r SessionRecord) Totals() aggregate.SessionTotals {
	return aggregate.SessionTotals{
		LabelCounts: r.LabelCounts,
		FrameCount:  r.FrameCount,
		Duration:    r.Duration,
	}
}

func emptyLabelCounts() map[emotion.Label]int64 {
	out := make(map[emotion.Label]int64, len(emotion.Labels))
	for _, l := range emotion.Labels {
		out[l] = 0
	}
	return out
}
