package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littleforum/internal/api"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDKey = "userID"

// Handler REST接口
type Handler struct {
	engine api.Engine
	logger *zap.Logger
}

// NewRouter 注册所有路由，graphql 为空时不挂载GraphQL端点
func NewRouter(engine api.Engine, graphql http.Handler, graphqlPath string, logger *zap.Logger) *gin.Engine {
	h := &Handler{engine: engine, logger: logger.Named("rest")}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger(), userIdentity())

	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/leaderboard", h.leaderboard)
	router.GET("/leaderboard/month", h.monthLeaderboard)
	router.POST("/votes/:kind/:id/:direction", h.castVote)
	router.POST("/answers/:id/accept", h.acceptAnswer)

	if graphql != nil {
		router.POST(graphqlPath, gin.WrapH(graphql))
	}

	return router
}

// userIdentity 读取网关写入的用户ID
func userIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := api.UserIDFromRequest(c.Request)
		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(api.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.logger.Debug("请求完成",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// castVote 对问题、答案或课程评价投票
func (h *Handler) castVote(c *gin.Context) {
	ctx := c.Request.Context()
	voterID := c.GetInt64(userIDKey)

	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid id")
		return
	}
	direction := c.Param("direction")
	if _, err := model.ParseDirection(direction); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid vote type")
		return
	}
	if voterID == 0 {
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	target, err := api.ResolveTarget(ctx, h.engine, c.Param("kind"), targetID)
	switch {
	case errors.Is(err, model.ErrInvalidKind):
		errorResponse(c, http.StatusBadRequest, "Invalid content type")
		return
	case errors.Is(err, model.ErrTargetNotFound):
		errorResponse(c, http.StatusNotFound, "Not found")
		return
	case err != nil:
		h.logger.Error("查询投票对象失败", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Internal error")
		return
	}
	if target.AuthoredBy(voterID) {
		errorResponse(c, http.StatusBadRequest, "Cannot vote on your own content")
		return
	}

	summary, err := api.CastAndSummarize(ctx, h.engine, *target, voterID, direction)
	if err != nil {
		h.logger.Error("投票失败",
			zap.Int64("voter", voterID),
			zap.String("kind", string(target.Kind)),
			zap.Int64("target", target.ID),
			zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Internal error")
		return
	}
	if summary.Result.Outcome == model.VoteRejected {
		errorResponse(c, http.StatusBadRequest, "Vote rejected")
		return
	}

	var userVote interface{}
	if summary.UserVote != "" {
		userVote = summary.UserVote
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"result":     summary.Result.Outcome,
		"vote_count": summary.Tally.Score(),
		"user_vote":  userVote,
		"upvotes":    summary.Tally.Up,
		"downvotes":  summary.Tally.Down,
	})
}

// acceptAnswer 问题作者采纳答案
func (h *Handler) acceptAnswer(c *gin.Context) {
	actorID := c.GetInt64(userIDKey)
	if actorID == 0 {
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	answerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid id")
		return
	}

	outcome, err := h.engine.AcceptAnswer(c.Request.Context(), answerID, actorID)
	switch {
	case errors.Is(err, model.ErrAnswerNotFound):
		errorResponse(c, http.StatusNotFound, "Not found")
		return
	case err != nil:
		h.logger.Error("采纳答案失败", zap.Int64("answer", answerID), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Internal error")
		return
	}

	if outcome == model.AnswerAcceptRejected {
		errorResponse(c, http.StatusForbidden, "Only the question author can accept answers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": outcome})
}

// leaderboard 声望总榜
func (h *Handler) leaderboard(c *gin.Context) {
	h.serveLeaderboard(c, model.DefaultLeaderboardLimit, h.engine.Leaderboard)
}

// monthLeaderboard 本月活跃用户排行榜
func (h *Handler) monthLeaderboard(c *gin.Context) {
	h.serveLeaderboard(c, model.DefaultMonthLeaderboardLimit, h.engine.MonthLeaderboard)
}

func (h *Handler) serveLeaderboard(c *gin.Context, defaultLimit int, fetch func(context.Context, int) ([]model.LeaderboardEntry, error)) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = model.ClampLeaderboardLimit(n, defaultLimit)
	}

	entries, err := fetch(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("获取排行榜失败", zap.String("path", c.FullPath()), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Internal error")
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
