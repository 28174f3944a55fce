package docstore

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/logging"
)

// MigrateTimelineCounts переводит документы таймлайна версии 1 в версию 2.
// В версии 1 ключ - время в сантисекундах, значение - позиционный массив
// [neutral, happy, surprise, sad, angry] или объект с ключами "0".."4".
// В версии 2 ключ - индекс бакета, значение - объект метка -> число.
func (s *Store) MigrateTimelineCounts(ctx context.Context, samplingRate float64) (int, error) {
	coll := s.db.Collection(CollectionTimeline)
	filter := bson.M{"schema_version": bson.M{"$ne": TimelineSchemaVersion}}

	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to find legacy timeline documents: %w", err)
	}
	defer cursor.Close(ctx)

	log := logging.With("migrate")
	migrated := 0
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return migrated, fmt.Errorf("failed to decode legacy timeline: %w", err)
		}

		counts, err := convertLegacyCounts(raw["counts"], samplingRate)
		if err != nil {
			log.Warn().Err(err).Interface("_id", raw["_id"]).Msg("legacy timeline skipped")
			continue
		}

		res, err := coll.UpdateOne(ctx,
			bson.M{"_id": raw["_id"], "schema_version": raw["schema_version"]},
			bson.M{"$set": bson.M{
				"schema_version": TimelineSchemaVersion,
				"emotion_labels": emotion.Labels[:],
				"counts":         counts,
			}},
		)
		if err != nil {
			return migrated, fmt.Errorf("failed to migrate timeline %v: %w", raw["_id"], err)
		}
		if res.ModifiedCount > 0 {
			migrated++
		}
	}
	if err := cursor.Err(); err != nil {
		return migrated, err
	}

	log.Info().Int("migrated", migrated).Msg("timeline migration finished")
	return migrated, nil
}

// convertLegacyCounts сводит сантисекундные ключи в бакеты
func convertLegacyCounts(v interface{}, samplingRate float64) (map[string]map[emotion.Label]int64, error) {
	entries, err := asMap(v)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[emotion.Label]int64)
	for key, raw := range entries {
		cs, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timeline key %q", key)
		}
		bucket := aggregate.BucketKey(aggregate.Bucket(cs/100, samplingRate))

		labels, err := legacyLabelCounts(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}

		if out[bucket] == nil {
			out[bucket] = make(map[emotion.Label]int64)
		}
		for l, n := range labels {
			out[bucket][l] += n
		}
	}
	return out, nil
}

func legacyLabelCounts(v interface{}) (map[emotion.Label]int64, error) {
	out := make(map[emotion.Label]int64)

	if arr, ok := v.(primitive.A); ok {
		for i, n := range arr {
			if i >= len(emotion.Labels) {
				break
			}
			out[emotion.Labels[i]] += toInt64(n)
		}
		return out, nil
	}

	m, err := asMap(v)
	if err != nil {
		return nil, err
	}
	for k, n := range m {
		if l, ok := emotion.ParseLabel(k); ok {
			out[l] += toInt64(n)
			continue
		}
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(emotion.Labels) {
			return nil, fmt.Errorf("unknown label key %q", k)
		}
		out[emotion.Labels[idx]] += toInt64(n)
	}
	return out, nil
}

func asMap(v interface{}) (map[string]interface{}, error) {
	switch m := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case bson.M:
		return m, nil
	case map[string]interface{}:
		return m, nil
	case bson.D:
		return m.Map(), nil
	default:
		return nil, fmt.Errorf("unexpected counts type %T", v)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(math.Round(n))
	default:
		return 0
	}
}
