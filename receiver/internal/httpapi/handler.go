package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/catalog"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/finalize"
	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/saga"
	"github.com/Krimson/facereview/receiver/internal/session"

	_ "github.com/Krimson/facereview/receiver/internal/httpapi/docs" // Swagger docs
)

// Sessions - живые сессии
type Sessions interface {
	Snapshot(sessionID string) (session.WatchSession, bool)
	HandleEnd(ctx context.Context, m ingest.EndMessage) error
}

// SessionRecords - итоговые записи
type SessionRecords interface {
	Get(ctx context.Context, sessionID string) (*docstore.SessionRecord, error)
}

// Distributions - распределения видео
type Distributions interface {
	Get(ctx context.Context, videoID string) (*docstore.VideoDistribution, error)
}

// Timelines - счетчики таймлайна
type Timelines interface {
	Get(ctx context.Context, videoID string) (*docstore.TimelineCounts, error)
}

// Approver одобряет заявки на видео
type Approver interface {
	ApproveVideoRequest(ctx context.Context, in catalog.ApproveInput) (*catalog.ApproveResult, error)
}

// SagaLogs - журналы саг
type SagaLogs interface {
	Get(ctx context.Context, transactionID string) (*saga.TransactionLog, error)
}

// Health - статус зависимостей
type Health interface {
	Statuses() map[string]string
	Serving() bool
}

// Deps - зависимости HTTP API
type Deps struct {
	Sessions      Sessions
	Records       SessionRecords
	Distributions Distributions
	Timelines     Timelines
	Approver      Approver
	SagaLogs      SagaLogs
	Health        Health
	WebSocket     http.HandlerFunc
	SamplingRate  float64
}

// HTTPHandler - инспекция и администрирование приемника
type HTTPHandler struct {
	deps     Deps
	validate *validator.Validate
}

func NewHTTPHandler(deps Deps) *HTTPHandler {
	if deps.SamplingRate <= 0 {
		deps.SamplingRate = 2
	}
	return &HTTPHandler{deps: deps, validate: validator.New()}
}

// Router собирает все маршруты
func (h *HTTPHandler) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/record", h.GetSessionRecord).Methods("GET")
	api.HandleFunc("/sessions/{id}/end", h.EndSession).Methods("POST")
	api.HandleFunc("/videos/{id}/distribution", h.GetDistribution).Methods("GET")
	api.HandleFunc("/videos/{id}/timeline", h.GetTimeline).Methods("GET")
	api.HandleFunc("/video-requests/{id}/approve", h.ApproveVideoRequest).Methods("POST")
	api.HandleFunc("/sagas/{id}", h.GetSaga).Methods("GET")

	router.HandleFunc("/healthz", h.Healthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("list"),
		httpSwagger.DomID("swagger-ui"),
	))
	if h.deps.WebSocket != nil {
		router.HandleFunc("/ws", h.deps.WebSocket)
	}

	return enableCORS(router)
}

// GetSession возвращает живое состояние сессии
// @Summary Живая сессия
// @Description Снимок сессии из кэша: кадры, длительность, время последнего кадра
// @Tags Sessions
// @Produce json
// @Param id path string true "ID сессии"
// @Success 200 {object} session.WatchSession
// @Failure 404 {object} ErrorResponse
// @Router /api/sessions/{id} [get]
func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ws, ok := h.deps.Sessions.Snapshot(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// GetSessionRecord возвращает итоговую запись сессии
// @Summary Итог сессии
// @Tags Sessions
// @Produce json
// @Param id path string true "ID сессии"
// @Success 200 {object} docstore.SessionRecord
// @Failure 404 {object} ErrorResponse
// @Router /api/sessions/{id}/record [get]
func (h *HTTPHandler) GetSessionRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.deps.Records.Get(r.Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Session record not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("session_id", id).Msg("failed to get session record")
		respondError(w, http.StatusInternalServerError, "Failed to get session record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// EndSession завершает сессию так же, как end-сообщение
// @Summary Завершить сессию
// @Description Снимает сессию из кэша и ставит в очередь финализации
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "ID сессии"
// @Param body body ingest.EndMessage false "Длительность и данные клиента"
// @Success 202 {object} ingest.Ack
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/sessions/{id}/end [post]
func (h *HTTPHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var m ingest.EndMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	m.SessionID = mux.Vars(r)["id"]

	err := h.deps.Sessions.HandleEnd(r.Context(), m)
	switch {
	case errors.Is(err, ingest.ErrUnknownSession):
		respondError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, finalize.ErrQueueFull), errors.Is(err, finalize.ErrQueueClosed):
		respondError(w, http.StatusServiceUnavailable, "Finalize queue unavailable")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to end session")
	default:
		respondJSON(w, http.StatusAccepted, ingest.Ack{Type: ingest.TypeEndAck, Status: ingest.StatusSuccess, Message: "Watching data is being saved"})
	}
}

// GetDistribution возвращает распределение эмоций видео
// @Summary Распределение эмоций видео
// @Tags Videos
// @Produce json
// @Param id path string true "ID видео"
// @Success 200 {object} docstore.VideoDistribution
// @Failure 404 {object} ErrorResponse
// @Router /api/videos/{id}/distribution [get]
func (h *HTTPHandler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dist, err := h.deps.Distributions.Get(r.Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Distribution not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("video_id", id).Msg("failed to get distribution")
		respondError(w, http.StatusInternalServerError, "Failed to get distribution")
		return
	}
	respondJSON(w, http.StatusOK, dist)
}

// BucketResponse - эмоции толпы в одном бакете
type BucketResponse struct {
	VideoID     string                  `json:"video_id"`
	Timestamp   float64                 `json:"timestamp"`
	Bucket      int64                   `json:"bucket"`
	Counts      map[emotion.Label]int64 `json:"counts"`
	Percentages ingest.EmotionView      `json:"percentages"`
}

// GetTimeline возвращает счетчики таймлайна видео или одного бакета (?t=секунды)
// @Summary Таймлайн эмоций видео
// @Tags Videos
// @Produce json
// @Param id path string true "ID видео"
// @Param t query number false "Момент видео в секундах"
// @Success 200 {object} docstore.TimelineCounts
// @Success 200 {object} BucketResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/videos/{id}/timeline [get]
func (h *HTTPHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	counts, err := h.deps.Timelines.Get(r.Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Timeline not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("video_id", id).Msg("failed to get timeline")
		respondError(w, http.StatusInternalServerError, "Failed to get timeline")
		return
	}

	if r.URL.Query().Has("t") {
		t, ok := getQueryFloat(r, "t")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid t")
			return
		}
		bucket := aggregate.Bucket(t, h.deps.SamplingRate)
		bucketCounts := counts.BucketCounts(bucket)
		crowd := aggregate.CrowdPercentages(bucketCounts)
		respondJSON(w, http.StatusOK, BucketResponse{
			VideoID:     id,
			Timestamp:   t,
			Bucket:      bucket,
			Counts:      bucketCounts,
			Percentages: ingest.NewEmotionView(crowd, crowd.Dominant()),
		})
		return
	}

	respondJSON(w, http.StatusOK, counts)
}

// ApproveVideoRequest одобряет заявку на видео
// @Summary Одобрить заявку на видео
// @Description Создает видео в PostgreSQL и документы распределения и таймлайна в MongoDB через сагу
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "ID заявки"
// @Param body body catalog.ApproveInput true "Данные видео"
// @Success 201 {object} catalog.ApproveResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/video-requests/{id}/approve [post]
func (h *HTTPHandler) ApproveVideoRequest(w http.ResponseWriter, r *http.Request) {
	var in catalog.ApproveInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.RequestID = mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := h.deps.Approver.ApproveVideoRequest(ctx, in)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, res)
	case errors.Is(err, catalog.ErrRequestNotFound):
		respondError(w, http.StatusNotFound, "Video request not found")
	case errors.Is(err, catalog.ErrRequestNotPending):
		respondError(w, http.StatusConflict, "Video request already processed")
	case errors.Is(err, catalog.ErrDuplicateVideo):
		respondError(w, http.StatusConflict, "Video already exists")
	default:
		ev := logging.Error().Err(err).Str("video_request_id", in.RequestID)
		if res != nil {
			ev = ev.Str("transaction_id", res.TransactionID)
		}
		ev.Bool("manual_intervention", errors.Is(err, saga.ErrManualIntervention)).Msg("video request approval failed")
		respondError(w, http.StatusInternalServerError, "Failed to approve video request")
	}
}

// GetSaga возвращает журнал саги
// @Summary Журнал саги
// @Tags Admin
// @Produce json
// @Param id path string true "ID транзакции"
// @Success 200 {object} saga.TransactionLog
// @Failure 404 {object} ErrorResponse
// @Router /api/sagas/{id} [get]
func (h *HTTPHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	txLog, err := h.deps.SagaLogs.Get(r.Context(), id)
	if errors.Is(err, saga.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Saga not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("transaction_id", id).Msg("failed to get saga log")
		respondError(w, http.StatusInternalServerError, "Failed to get saga log")
		return
	}
	respondJSON(w, http.StatusOK, txLog)
}

// Healthz - статус зависимостей
// @Summary Здоровье приемника
// @Tags System
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /healthz [get]
func (h *HTTPHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "SERVING"})
		return
	}
	status := http.StatusOK
	overall := "SERVING"
	if !h.deps.Health.Serving() {
		status = http.StatusServiceUnavailable
		overall = "NOT_SERVING"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       overall,
		"dependencies": h.deps.Health.Statuses(),
	})
}
