package docstore

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/Krimson/facereview/receiver/internal/emotion"
)

func TestConvertLegacyCounts_ArrayAndIndexShapes(t *testing.T) {
	legacy := bson.M{
		// 0.25с и 0.40с попадают в бакет 0 при 2 кадрах/с
		"25": bson.A{int32(1), int32(2), int32(0), int32(0), int32(0)},
		"40": bson.M{"1": int32(3), "4": int64(1)},
		// 1.0с - бакет 2
		"100": bson.D{{Key: "3", Value: int32(5)}},
	}

	got, err := convertLegacyCounts(legacy, 2)
	if err != nil {
		t.Fatalf("convertLegacyCounts() error: %v", err)
	}

	if got["0"][emotion.Neutral] != 1 || got["0"][emotion.Happy] != 5 || got["0"][emotion.Angry] != 1 {
		t.Errorf("бакет 0 = %v", got["0"])
	}
	if got["2"][emotion.Sad] != 5 {
		t.Errorf("бакет 2 = %v", got["2"])
	}
}

func TestConvertLegacyCounts_NamedLabels(t *testing.T) {
	got, err := convertLegacyCounts(bson.M{"150": bson.M{"happy": 2.0}}, 2)
	if err != nil {
		t.Fatalf("convertLegacyCounts() error: %v", err)
	}
	if got["3"][emotion.Happy] != 2 {
		t.Errorf("бакет 3 = %v", got["3"])
	}
}

func TestConvertLegacyCounts_RejectsGarbage(t *testing.T) {
	if _, err := convertLegacyCounts(bson.M{"abc": bson.A{1}}, 2); err == nil {
		t.Error("ожидалась ошибка для нечислового ключа")
	}
	if _, err := convertLegacyCounts(bson.M{"10": bson.M{"9": 1}}, 2); err == nil {
		t.Error("ожидалась ошибка для неизвестного индекса метки")
	}
	if _, err := convertLegacyCounts("oops", 2); err == nil {
		t.Error("ожидалась ошибка для неверного типа counts")
	}
}
