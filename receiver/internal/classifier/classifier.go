package classifier

import (
	"context"
	"hash/fnv"

	"github.com/Krimson/facereview/receiver/internal/emotion"
)

// Result - эмоции одного кадра в процентах
type Result struct {
	Emotions emotion.Distribution
	Label    emotion.Label
}

// Default - результат при любой ошибке классификации
func Default() Result {
	return Result{Emotions: emotion.Default(), Label: emotion.Neutral}
}

// Classifier распознает эмоцию на кадре (base64 изображения). Никогда не возвращает ошибку.
type Classifier interface {
	Classify(ctx context.Context, image string) Result
}

// StaticClassifier - заглушка без модели: результат зависит только от содержимого кадра
type StaticClassifier struct{}

func (StaticClassifier) Classify(ctx context.Context, image string) Result {
	if image == "" {
		return Default()
	}
	h := fnv.New32a()
	h.Write([]byte(image))
	sum := h.Sum32()

	// Доминирующая метка получает 60, остальные делят 40
	var d emotion.Distribution
	top := int(sum % uint32(len(emotion.Labels)))
	for i := range d {
		d[i] = 10
	}
	d[top] = 60
	return Result{Emotions: d, Label: emotion.Labels[top]}
}
