package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pennyperfect/internal/database"
	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
	"pennyperfect/internal/switchback"
)

type shopRequest struct {
	Domain      string `json:"domain" binding:"required"`
	AccessToken string `json:"accessToken"`
}

type bandRequest struct {
	Name               string   `json:"name" binding:"required"`
	MinCents           int64    `json:"minCents" binding:"gte=0"`
	MaxCents           int64    `json:"maxCents" binding:"gte=0"`
	AllowedEndings     []int    `json:"allowedEndings" binding:"required,min=1"`
	FloorCents         *int64   `json:"floorCents"`
	ExcludeCollections []string `json:"excludeCollections"`
	ExcludeSkus        []string `json:"excludeSkus"`
	Active             *bool    `json:"active"`
}

func (r bandRequest) apply(b *model.PriceBand) {
	b.Name = r.Name
	b.MinCents = r.MinCents
	b.MaxCents = r.MaxCents
	b.AllowedEndings = r.AllowedEndings
	b.FloorCents = r.FloorCents
	b.ExcludeCollections = r.ExcludeCollections
	b.ExcludeSkus = r.ExcludeSkus
	if r.Active != nil {
		b.Active = *r.Active
	}
}

type variantRequest struct {
	ID                string   `json:"id"`
	ProductID         string   `json:"productId"`
	PlatformVariantID string   `json:"platformVariantId" binding:"required"`
	SKU               string   `json:"sku"`
	Collections       []string `json:"collections"`
	PriceCents        int64    `json:"priceCents" binding:"gte=0"`
}

type priceRequest struct {
	PriceCents int64 `json:"priceCents" binding:"gte=0"`
}

type orderPaidRequest struct {
	TotalPrice string `json:"total_price" binding:"required"`
}

func shopFrom(c *gin.Context) model.Shop {
	return c.MustGet(shopKey).(model.Shop)
}

func (s *Server) createShop(c *gin.Context) {
	var req shopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	shop := model.Shop{Domain: req.Domain, AccessToken: req.AccessToken}
	if err := s.repo.CreateShop(c.Request.Context(), &shop); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, shop)
}

func (s *Server) listBands(c *gin.Context) {
	bands, err := s.repo.ListBands(c.Request.Context(), shopFrom(c).ID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bands": nonNil(bands)})
}

func (s *Server) createBand(c *gin.Context) {
	var req bandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	band := model.PriceBand{ShopID: shopFrom(c).ID, Active: true}
	req.apply(&band)
	if err := s.engine.CreateBand(c.Request.Context(), &band); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, band)
}

// loadBand fetches a band and hides bands of other shops.
func (s *Server) loadBand(c *gin.Context) (model.PriceBand, bool) {
	band, err := s.repo.GetBand(c.Request.Context(), c.Param("id"))
	if err == nil && band.ShopID != shopFrom(c).ID {
		err = database.ErrNotFound
	}
	if err != nil {
		s.abort(c, err)
		return model.PriceBand{}, false
	}
	return band, true
}

func (s *Server) getBand(c *gin.Context) {
	band, ok := s.loadBand(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, band)
}

func (s *Server) updateBand(c *gin.Context) {
	var req bandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	band, ok := s.loadBand(c)
	if !ok {
		return
	}
	req.apply(&band)
	if err := s.engine.UpdateBand(c.Request.Context(), &band); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, band)
}

func (s *Server) deleteBand(c *gin.Context) {
	band, ok := s.loadBand(c)
	if !ok {
		return
	}
	if err := s.engine.DeleteBand(c.Request.Context(), band.ID); err != nil {
		s.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) upsertVariant(c *gin.Context) {
	var req variantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	shopID := shopFrom(c).ID
	if req.ID != "" {
		existing, err := s.repo.GetVariant(c.Request.Context(), req.ID)
		if err == nil && existing.ShopID != shopID {
			s.abort(c, database.ErrNotFound)
			return
		}
	}
	v := model.Variant{
		ID:                req.ID,
		ShopID:            shopID,
		ProductID:         req.ProductID,
		PlatformVariantID: req.PlatformVariantID,
		SKU:               req.SKU,
		Collections:       req.Collections,
		PriceCents:        req.PriceCents,
	}
	if err := s.repo.UpsertVariant(c.Request.Context(), &v); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) setVariantPrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.repo.GetVariant(c.Request.Context(), c.Param("id"))
	if err == nil && v.ShopID != shopFrom(c).ID {
		err = database.ErrNotFound
	}
	if err != nil {
		s.abort(c, err)
		return
	}
	changed, err := s.engine.SetVariantPrice(c.Request.Context(), v.ID, req.PriceCents)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "price": pricing.FormatPrice(req.PriceCents)})
}

func (s *Server) listExperiments(c *gin.Context) {
	exps, err := s.repo.ListExperiments(c.Request.Context(), shopFrom(c).ID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiments": nonNil(exps)})
}

func (s *Server) createExperiment(c *gin.Context) {
	var req switchback.NewExperiment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ShopID = shopFrom(c).ID
	exp, err := s.engine.CreateExperiment(c.Request.Context(), req)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, exp)
}

// ownsExperiment reports whether the experiment exists within the scoped shop.
func (s *Server) ownsExperiment(c *gin.Context) bool {
	exp, err := s.repo.GetExperiment(c.Request.Context(), c.Param("id"))
	if err == nil && exp.ShopID != shopFrom(c).ID {
		err = database.ErrNotFound
	}
	if err != nil {
		s.abort(c, err)
		return false
	}
	return true
}

func (s *Server) getExperiment(c *gin.Context) {
	if !s.ownsExperiment(c) {
		return
	}
	detail, err := s.engine.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type commandFunc func(ctx context.Context, id string) (*switchback.CommandResult, error)

func (s *Server) command(fn commandFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ownsExperiment(c) {
			return
		}
		res, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.abort(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) sessionStart(c *gin.Context) {
	domain := c.Query("shop")
	if domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop parameter"})
		return
	}
	n, err := s.engine.RecordSession(c.Request.Context(), domain)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"periods": n})
}

func (s *Server) orderPaid(c *gin.Context) {
	domain := c.GetHeader("X-Shopify-Shop-Domain")
	if domain == "" {
		domain = c.Query("shop")
	}
	if domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop domain"})
		return
	}
	var req orderPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cents, err := pricing.ParsePrice(req.TotalPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.engine.RecordOrder(c.Request.Context(), domain, cents)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"periods": n, "revenueCents": cents})
}

func (s *Server) tick(c *gin.Context) {
	res, err := s.engine.Tick(c.Request.Context(), s.now())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalid), errors.Is(err, database.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, switchback.ErrInvalidTransition),
		errors.Is(err, switchback.ErrBandBusy),
		errors.Is(err, database.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, switchback.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, switchback.ErrPlatform):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) abort(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
