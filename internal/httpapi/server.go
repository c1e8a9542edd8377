package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stridecards/rewards/pkg/rewards"
)

// Run boots the HTTP facade and blocks until ctx is canceled or the
// listener fails.
func Run(ctx context.Context, cfg Config, service *rewards.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rewards api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(sessionMiddleware([]byte(cfg.SessionSigningKey), cfg.SessionIssuer))

	api.POST("/activities/sync", handler.handleSync)
	api.GET("/activities", handler.handleListActivities)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/boosters/open", handler.handleOpenBooster)
	api.GET("/boosters/history", handler.handlePackHistory)
	api.GET("/boosters/stats", handler.handleBoosterStats)
	api.GET("/collection/stats", handler.handleCollectionStats)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *rewards.Service
	cfg     Config
}

type syncRequest struct {
	WindowDays int `json:"window_days"`
}

func (handler *httpHandler) handleSync(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}

	var request syncRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.WindowDays < 0 || request.WindowDays > maxWindowDays {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_window", "window_days out of range"))
		return
	}
	window := time.Duration(request.WindowDays) * 24 * time.Hour

	result, err := handler.service.SyncActivities(ctx.Request.Context(), userID, window)
	if err != nil {
		handler.respondError(ctx, "sync failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"processed":       result.Processed,
		"currency_earned": result.CurrencyEarned,
		"activities":      handler.activityPayloads(result.Activities),
	})
}

func (handler *httpHandler) handleListActivities(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	activities, err := handler.service.ListActivities(ctx.Request.Context(), userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "list activities failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"activities": handler.activityPayloads(activities)})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	entries, err := handler.service.ListLedger(ctx.Request.Context(), userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": balance,
		"entries": ledgerPayloads(entries),
	})
}

func (handler *httpHandler) handleOpenBooster(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	result, err := handler.service.OpenBoosterPack(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "booster open failed", err)
		return
	}
	cards := make([]gin.H, 0, len(result.Cards))
	for _, drawn := range result.Cards {
		payload := cardPayload(drawn.Card)
		payload["is_new"] = drawn.IsNew
		cards = append(cards, payload)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"pack_id":   result.PackID.String(),
		"cost":      result.Cost,
		"opened_at": result.OpenedAt.UTC(),
		"cards":     cards,
		"balance":   result.UpdatedBalance,
		"stats":     statsPayload(result.UpdatedStats),
	})
}

func (handler *httpHandler) handlePackHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	history, err := handler.service.PackHistory(ctx.Request.Context(), userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "pack history failed", err)
		return
	}
	entries := make([]gin.H, 0, len(history))
	for _, opening := range history {
		cards := make([]gin.H, 0, len(opening.Cards))
		for _, card := range opening.Cards {
			cards = append(cards, cardPayload(card))
		}
		entries = append(entries, gin.H{
			"pack_id":   opening.PackID.String(),
			"cost":      opening.Cost,
			"opened_at": opening.OpenedAt.UTC(),
			"cards":     cards,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packs": entries})
}

func (handler *httpHandler) handleBoosterStats(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	stats, err := handler.service.BoosterStats(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "booster stats failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"packs_opened":         stats.PacksOpened,
		"total_currency_spent": stats.TotalCurrencySpent,
	})
}

func (handler *httpHandler) handleCollectionStats(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	stats, err := handler.service.CollectionStats(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "collection stats failed", err)
		return
	}
	ctx.JSON(http.StatusOK, statsPayload(stats))
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (rewards.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return rewards.UserID{}, false
	}
	userID, err := rewards.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "malformed subject"))
		return rewards.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, rewards.ErrUserNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "unknown user"))
	case errors.Is(err, rewards.ErrInsufficientCurrency):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_currency", "balance below booster cost"))
	case errors.Is(err, rewards.ErrCredentialExpired):
		ctx.JSON(http.StatusUnauthorized, errorResponse("credential_expired", "fitness account needs to be reconnected"))
	case errors.Is(err, rewards.ErrEmptyRarityPool):
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("catalog_unavailable", "card catalog incomplete"))
	case errors.Is(err, rewards.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
	}
}

func queryLimit(ctx *gin.Context) int {
	raw := ctx.Query("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (handler *httpHandler) activityPayloads(activities []rewards.Activity) []gin.H {
	payloads := make([]gin.H, 0, len(activities))
	for _, activity := range activities {
		payload := gin.H{
			"activity_id":      activity.ID,
			"external_id":      activity.ExternalID.String(),
			"name":             activity.Name,
			"type":             activity.Type.String(),
			"distance_meters":  activity.DistanceMeters,
			"duration_seconds": activity.DurationSeconds,
			"started_at":       activity.StartedAt.UTC(),
			"currency_earned":  activity.CurrencyEarned,
		}
		if thumbnail := rewards.MapThumbnailURL(activity.RoutePolyline, "", handler.cfg.MapsAPIKey); thumbnail != "" {
			payload["map_thumbnail_url"] = thumbnail
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func ledgerPayloads(entries []rewards.LedgerEntry) []gin.H {
	payloads := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload := gin.H{
			"entry_id":   entry.ID,
			"amount":     entry.Amount,
			"reason":     entry.Reason.String(),
			"note":       entry.Note,
			"created_at": entry.CreatedAt.UTC(),
		}
		if entry.PackID != nil {
			payload["pack_id"] = entry.PackID.String()
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func cardPayload(card rewards.Card) gin.H {
	return gin.H{
		"card_id":    card.ID.String(),
		"name":       card.Name,
		"sport":      card.Sport,
		"rarity":     card.Rarity.String(),
		"base_score": card.BaseScore,
		"image_url":  card.ImageURL,
	}
}

func statsPayload(stats rewards.CollectionStats) gin.H {
	breakdown := gin.H{}
	for rarity, count := range stats.RarityBreakdown {
		breakdown[rarity.String()] = gin.H{
			"owned": count.Owned,
			"total": count.Total,
		}
	}
	return gin.H{
		"total_cards":      stats.TotalCards,
		"unique_cards":     stats.UniqueCards,
		"collection_score": stats.CollectionScore,
		"rarity_breakdown": breakdown,
	}
}
