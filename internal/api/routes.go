package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/donorlink/internal/auth"
	"github.com/zulandar/donorlink/internal/conversation"
	"github.com/zulandar/donorlink/internal/fulfillment"
	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/live"
	"github.com/zulandar/donorlink/internal/request"
)

const userKey = "user_id"

// registerRoutes sets up all API routes on the given router.
func registerRoutes(router *gin.Engine, s *server) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", s.identify)

	api.GET("/feed", s.handleFeed)
	api.GET("/ngos/:id/requests", s.handleNGORequests)

	api.POST("/requests", s.handleCreateRequest)
	api.GET("/requests/:id", s.handleGetRequest)
	api.PATCH("/requests/:id", s.handleUpdateRequest)
	api.DELETE("/requests/:id", s.handleDeleteRequest)
	api.GET("/requests/:id/aggregate", s.handleAggregate)
	api.GET("/requests/:id/pledges", s.handleListPledges)
	api.POST("/requests/:id/pledges", s.handleSubmitPledge)

	api.GET("/conversations", s.handleConversations)
	api.GET("/conversations/:counterpart/messages", s.handleListMessages)
	api.POST("/conversations/:counterpart/messages", s.handleSendMessage)

	api.GET("/events/requests", s.handleRequestEvents)
	api.GET("/events/messages", s.handleMessageEvents)
}

// identify resolves the caller and stores it on the context.
func (s *server) identify(c *gin.Context) {
	userID, err := s.verifier.Identify(c.GetHeader("Authorization"), c.GetHeader("X-User-ID"))
	if err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func caller(c *gin.Context) string { return c.GetString(userKey) }

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, conversation.ErrValidation),
		errors.Is(err, request.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrRequestClosed),
		errors.Is(err, conversation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, request.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, request.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrTransport),
		errors.Is(err, conversation.ErrTransport),
		errors.Is(err, live.ErrTransport):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// --- requests and feeds ---

func (s *server) handleFeed(c *gin.Context) {
	snaps, err := s.feed.ActiveForDonors(c.Request.Context(), fulfillment.DonorFilter{
		Search:   c.Query("q"),
		Category: c.Query("category"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": snaps})
}

func (s *server) handleNGORequests(c *gin.Context) {
	snaps, err := s.feed.ForNGO(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": snaps})
}

type createRequestBody struct {
	Title          string `json:"title"`
	ItemName       string `json:"item_name"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	QuantityNeeded int    `json:"quantity_needed"`
	Urgent         bool   `json:"is_urgent"`
}

func (s *server) handleCreateRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	req, err := request.Create(s.db.WithContext(c.Request.Context()), request.CreateOpts{
		NGOID:          caller(c),
		Title:          body.Title,
		ItemName:       body.ItemName,
		Description:    body.Description,
		Category:       body.Category,
		QuantityNeeded: body.QuantityNeeded,
		Urgent:         body.Urgent,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.publish(c, req.ID)
	c.JSON(http.StatusCreated, req)
}

func (s *server) handleGetRequest(c *gin.Context) {
	snap, err := s.feed.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type updateRequestBody struct {
	Title          *string `json:"title"`
	ItemName       *string `json:"item_name"`
	Description    *string `json:"description"`
	Category       *string `json:"category"`
	QuantityNeeded *int    `json:"quantity_needed"`
	Urgent         *bool   `json:"is_urgent"`
	Status         *string `json:"status"`
}

func (s *server) handleUpdateRequest(c *gin.Context) {
	var body updateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	req, err := request.Update(s.db.WithContext(c.Request.Context()), c.Param("id"), caller(c), request.UpdateOpts{
		Title:          body.Title,
		ItemName:       body.ItemName,
		Description:    body.Description,
		Category:       body.Category,
		QuantityNeeded: body.QuantityNeeded,
		Urgent:         body.Urgent,
		Status:         body.Status,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.publish(c, req.ID)
	c.JSON(http.StatusOK, req)
}

func (s *server) handleDeleteRequest(c *gin.Context) {
	if err := request.Delete(s.db.WithContext(c.Request.Context()), c.Param("id"), caller(c)); err != nil {
		writeError(c, err)
		return
	}
	s.publish(c, c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *server) handleAggregate(c *gin.Context) {
	agg, err := s.ledger.Aggregate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *server) handleListPledges(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.ledger.Aggregate(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	pledges, err := s.ledger.Pledges(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pledges": pledges})
}

type pledgeBody struct {
	Amount int `json:"amount"`
	// ObservedPledged is the pledged total the donor saw when deciding.
	// When set, capacity is checked against it instead of a fresh read.
	ObservedPledged *int `json:"observed_pledged"`
}

func (s *server) handleSubmitPledge(c *gin.Context) {
	var body pledgeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	sub := ledger.Submission{RequestID: c.Param("id"), PledgerID: caller(c), Amount: body.Amount}
	if body.ObservedPledged != nil {
		sub.Observed = &ledger.Aggregate{RequestID: sub.RequestID, Pledged: *body.ObservedPledged}
	}
	receipt, err := s.ledger.SubmitPledge(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// publish pushes a request change to feed subscribers. Fan-out is
// best-effort, so failures only log.
func (s *server) publish(c *gin.Context, requestID string) {
	if err := s.notifier.RequestChanged(c.Request.Context(), requestID); err != nil {
		log.Printf("api: publish %s: %v", requestID, err)
	}
}

// --- conversations ---

func (s *server) handleConversations(c *gin.Context) {
	convs, err := conversation.ListConversations(c.Request.Context(), s.db, caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *server) handleListMessages(c *gin.Context) {
	var page conversation.Page
	if token := c.Query("after"); token != "" {
		cur, err := conversation.ParseCursor(token)
		if err != nil {
			writeError(c, err)
			return
		}
		page.After = &cur
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		page.Limit = n
	}
	msgs, err := conversation.ListMessages(c.Request.Context(), s.db, caller(c), c.Param("counterpart"), page)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"messages": msgs}
	if page.Limit > 0 && len(msgs) == page.Limit {
		resp["next"] = conversation.CursorOf(msgs[len(msgs)-1]).Encode()
	}
	c.JSON(http.StatusOK, resp)
}

type sendBody struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	ListingID *string `json:"listing_id"`
	RequestID *string `json:"request_id"`
}

func (s *server) handleSendMessage(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := conversation.Send(c.Request.Context(), s.db, conversation.SendOpts{
		ID:         body.ID,
		SenderID:   caller(c),
		ReceiverID: c.Param("counterpart"),
		Content:    body.Content,
		ListingID:  body.ListingID,
		RequestID:  body.RequestID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
