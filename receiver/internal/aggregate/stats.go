package aggregate

import (
	"math"
	"strconv"

	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// DefaultCategory - категория видео, если она неизвестна
const DefaultCategory = "etc"

// UnknownDurationFrames - знаменатель completion rate без длительности
const UnknownDurationFrames = 1000

// Weights - веса рекомендаций в порядке emotion.Labels
type Weights [5]float64

// DefaultWeights - neutral 2, happy 3, surprise 4, sad 3, angry 3
func DefaultWeights() Weights {
	return Weights{2, 3, 4, 3, 3}
}

const preferredWeight = 5

var preferredEmotion = map[string]emotion.Label{
	"comedy":      emotion.Happy,
	"drama":       emotion.Sad,
	"horror":      emotion.Surprise,
	"eating":      emotion.Happy,
	"cook":        emotion.Neutral,
	"travel":      emotion.Happy,
	"show":        emotion.Surprise,
	"information": emotion.Neutral,
	"exercise":    emotion.Happy,
	"vlog":        emotion.Neutral,
	"game":        emotion.Happy,
	"sports":      emotion.Surprise,
	"music":       emotion.Happy,
	"animal":      emotion.Happy,
	"beauty":      emotion.Neutral,
	"etc":         emotion.Neutral,
}

// PreferredEmotion возвращает эмоцию, которую категория усиливает
func PreferredEmotion(category string) (emotion.Label, bool) {
	l, ok := preferredEmotion[category]
	return l, ok
}

// CategoryWeights: неизвестная категория получает DefaultWeights,
// известная - те же веса с предпочтительной эмоцией, поднятой до 5.
func CategoryWeights(category string) Weights {
	w := DefaultWeights()
	if l, ok := preferredEmotion[category]; ok {
		w[emotion.Index(l)] = preferredWeight
	}
	return w
}

// Bucket - индекс временного слота кадра: floor(ts * rate)
func Bucket(timestamp, samplingRate float64) int64 {
	if timestamp <= 0 || samplingRate <= 0 {
		return 0
	}
	return int64(math.Floor(timestamp * samplingRate))
}

// BucketKey - ключ бакета в документе
func BucketKey(bucket int64) string {
	return strconv.FormatInt(bucket, 10)
}

// ExpectedFrames - ожидаемое число кадров за duration секунд
func ExpectedFrames(duration, samplingRate float64) float64 {
	if duration <= 0 || samplingRate <= 0 {
		return 0
	}
	return math.Ceil(duration * samplingRate)
}

// CompletionRate всегда в [0, 1]
func CompletionRate(frames int64, duration, samplingRate float64) float64 {
	if frames <= 0 {
		return 0
	}
	expected := ExpectedFrames(duration, samplingRate)
	if expected <= 0 {
		expected = UnknownDurationFrames
	}
	return clamp01(emotion.Round(float64(frames)/expected, 3))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Derived - производные поля распределения видео
type Derived struct {
	Averages              map[emotion.Label]float64 `json:"emotion_averages" bson:"emotion_averages"`
	RecommendationScores  map[emotion.Label]float64 `json:"recommendation_scores" bson:"recommendation_scores"`
	DominantEmotion       emotion.Label             `json:"dominant_emotion" bson:"dominant_emotion"`
	AverageCompletionRate float64                   `json:"average_completion_rate" bson:"average_completion_rate"`
	Category              string                    `json:"category" bson:"category"`
}

// Derive пересчитывает средние, очки и доминирующую эмоцию из счетчиков.
// Результат - чистая функция (counts, total, category, completion).
func Derive(counts map[emotion.Label]int64, total int64, category string, completion float64) Derived {
	if category == "" {
		category = DefaultCategory
	}
	weights := CategoryWeights(category)

	d := Derived{
		Averages:              make(map[emotion.Label]float64, len(emotion.Labels)),
		RecommendationScores:  make(map[emotion.Label]float64, len(emotion.Labels)),
		AverageCompletionRate: clamp01(completion),
		Category:              category,
	}

	var scores emotion.Distribution
	for i, l := range emotion.Labels {
		avg := 0.0
		if total > 0 {
			avg = emotion.Round(float64(counts[l])/float64(total), 3)
		}
		d.Averages[l] = avg
		scores[i] = emotion.Round(avg*weights[i], 3)
		d.RecommendationScores[l] = scores[i]
	}
	d.DominantEmotion = scores.Dominant()
	return d
}

// Summary - итог одной сессии
type Summary struct {
	Percentages          map[emotion.Label]float64
	LabelCounts          map[emotion.Label]int64
	DominantEmotion      emotion.Label
	CompletionRate       float64
	FrameCount           int64
	MostEmotionTimeline  map[string]emotion.Label
	EmotionScoreTimeline map[string]emotion.Distribution
}

// TimelineKey - ключ кадра в таймлайне сессии (сантисекунды)
func TimelineKey(timestamp float64) string {
	return strconv.FormatInt(int64(math.Round(timestamp*100)), 10)
}

// Summarize считает итог сессии: среднее процентов / 100 с округлением до 3 знаков
func Summarize(ws session.WatchSession, samplingRate float64) Summary {
	s := Summary{
		Percentages:          make(map[emotion.Label]float64, len(emotion.Labels)),
		LabelCounts:          make(map[emotion.Label]int64, len(emotion.Labels)),
		MostEmotionTimeline:  make(map[string]emotion.Label, len(ws.Frames)),
		EmotionScoreTimeline: make(map[string]emotion.Distribution, len(ws.Frames)),
		FrameCount:           int64(len(ws.Frames)),
	}

	var sum emotion.Distribution
	for _, f := range ws.Frames {
		for i := range sum {
			sum[i] += f.Emotions[i]
		}
		label := f.Label
		if _, ok := emotion.ParseLabel(string(label)); !ok {
			label = f.Emotions.Dominant()
		}
		s.LabelCounts[label]++

		key := TimelineKey(f.Timestamp)
		s.MostEmotionTimeline[key] = label
		s.EmotionScoreTimeline[key] = f.Emotions
	}

	var pct emotion.Distribution
	for i, l := range emotion.Labels {
		v := 0.0
		if s.FrameCount > 0 {
			v = emotion.Round(sum[i]/float64(s.FrameCount)/100, 3)
		}
		pct[i] = v
		s.Percentages[l] = v
	}
	s.DominantEmotion = pct.Dominant()
	s.CompletionRate = CompletionRate(s.FrameCount, ws.Duration, samplingRate)
	return s
}

// SessionTotals - вклад одной записи сессии в распределение видео
type SessionTotals struct {
	LabelCounts map[emotion.Label]int64
	FrameCount  int64
	Duration    float64
}

// Refold - распределение видео целиком из записей сессий
type Refold struct {
	Counts       map[emotion.Label]int64
	TotalFrames  int64
	SessionCount int64
	Derived      Derived
}

// RefoldSessions пересобирает распределение видео из всех его сессий.
// Повторная финализация той же сессии не меняет результат.
// average_completion_rate считается как на горячем пути: total_frames / expected_frames(duration).
func RefoldSessions(records []SessionTotals, category string, samplingRate float64) Refold {
	r := Refold{Counts: make(map[emotion.Label]int64, len(emotion.Labels))}
	duration := 0.0
	for _, rec := range records {
		for _, l := range emotion.Labels {
			r.Counts[l] += rec.LabelCounts[l]
		}
		r.TotalFrames += rec.FrameCount
		duration = math.Max(duration, rec.Duration)
		r.SessionCount++
	}

	completion := CompletionRate(r.TotalFrames, duration, samplingRate)
	r.Derived = Derive(r.Counts, r.TotalFrames, category, completion)
	return r
}

// CrowdPercentages переводит счетчики бакета в проценты (x100, 2 знака)
func CrowdPercentages(counts map[emotion.Label]int64) emotion.Distribution {
	var total int64
	for _, l := range emotion.Labels {
		total += counts[l]
	}
	if total == 0 {
		return emotion.Default()
	}
	var d emotion.Distribution
	for i, l := range emotion.Labels {
		d[i] = emotion.Round(float64(counts[l])/float64(total)*100, 2)
	}
	return d
}
