package docstore

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/saga"
)

func TestTimelineIncrement_OnlyIncrements(t *testing.T) {
	now := time.Now()
	u := timelineIncrement(7, emotion.Sad, now)

	inc, ok := u["$inc"].(bson.M)
	if !ok || inc["counts.7.sad"] != 1 {
		t.Errorf("$inc = %v", u["$inc"])
	}
	if _, ok := u["$set"]; ok {
		t.Error("счетчики таймлайна не должны перезаписываться через $set")
	}
	soi := u["$setOnInsert"].(bson.M)
	if soi["schema_version"] != TimelineSchemaVersion {
		t.Errorf("schema_version = %v", soi["schema_version"])
	}
}

func TestDistributionIncrement(t *testing.T) {
	u := distributionIncrement(emotion.Happy, time.Now())
	inc := u["$inc"].(bson.M)
	if inc["counts.happy"] != 1 || inc["total_frames"] != 1 {
		t.Errorf("$inc = %v", inc)
	}
}

func TestStatusUpdate_SetsTimeField(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		status saga.Status
		field  string
	}{
		{saga.StatusCompleted, "completed_at"},
		{saga.StatusFailed, "completed_at"},
		{saga.StatusCompensating, "compensation_started_at"},
		{saga.StatusCompensated, "compensation_completed_at"},
	}
	for _, tt := range tests {
		set := statusUpdate(tt.status, "", at)["$set"].(bson.M)
		if set[tt.field] != at {
			t.Errorf("%s: поле %s не выставлено: %v", tt.status, tt.field, set)
		}
	}

	set := statusUpdate(saga.StatusInProgress, "", at)["$set"].(bson.M)
	if len(set) != 1 {
		t.Errorf("in_progress должен менять только status: %v", set)
	}
}
