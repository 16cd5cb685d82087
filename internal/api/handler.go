package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/service"
	"shop-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// ProductStore is the catalog read surface the API serves.
type ProductStore interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
}

// Handler contains HTTP handlers
type Handler struct {
	catalog   ProductStore
	discounts *service.DiscountService
	carts     *service.CartService
	orders    *service.OrderService
	coupons   *service.CouponService
	payments  *service.PaymentService
	returns   *service.ReturnService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	catalog ProductStore,
	discounts *service.DiscountService,
	carts *service.CartService,
	orders *service.OrderService,
	coupons *service.CouponService,
	payments *service.PaymentService,
	returns *service.ReturnService,
) *Handler {
	return &Handler{
		catalog:   catalog,
		discounts: discounts,
		carts:     carts,
		orders:    orders,
		coupons:   coupons,
		payments:  payments,
		returns:   returns,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.DELETE("/cart/items/:productId", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/coupon", h.applyCoupon)
		v1.POST("/orders/:id/pay", h.initiatePayment)

		v1.POST("/orders/:id/returns", h.requestReturn)
		v1.POST("/orders/:id/returns/shipment", h.confirmReturnShipment)

		v1.POST("/webhooks/paystack", h.paystackWebhook)
		v1.POST("/webhooks/flutterwave", h.flutterwaveWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors onto the wire envelope.
func respondError(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok {
		c.JSON(ae.HTTPStatus(), gin.H{
			"error": ae.Msg,
			"code":  ae.Code(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
		"code":  "internal_error",
	})
}

// identity reads the caller from headers. Authentication proper lives
// at the edge; this service trusts what the gateway forwards.
func identity(c *gin.Context) (int64, string) {
	userID, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	return userID, c.GetHeader("X-Session-ID")
}

func cartOwner(c *gin.Context) (service.CartOwner, bool) {
	userID, sessionID := identity(c)
	if userID == 0 && sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-User-ID or X-Session-ID header is required",
			"code":  "validation_error",
		})
		return service.CartOwner{}, false
	}
	return service.CartOwner{UserID: userID, SessionID: sessionID}, true
}

func requireUser(c *gin.Context) (int64, bool) {
	userID, _ := identity(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
			"code":  "unauthorized",
		})
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid " + name,
			"code":  "validation_error",
		})
		return 0, false
	}
	return id, true
}

// listProducts returns available products
func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.GetProducts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// getProduct returns a product with its current discounted price.
func (h *Handler) getProduct(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	product, err := h.catalog.GetProductByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "product not found",
			"code":  "not_found",
		})
		return
	}

	// Refreshes the cached discounted price against active campaigns.
	if _, err := h.discounts.ApplyProductDiscount(c.Request.Context(), product); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"product": product})
}

// getCart returns the cart with live prices.
func (h *Handler) getCart(c *gin.Context) {
	owner, ok := cartOwner(c)
	if !ok {
		return
	}

	items, err := h.carts.Get(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}

	total := gin.H{"items": items, "count": len(items)}
	c.JSON(http.StatusOK, total)
}

type addCartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
	Override  bool  `json:"override"`
}

// addCartItem adds a product to the cart or adjusts its quantity.
func (h *Handler) addCartItem(c *gin.Context) {
	owner, ok := cartOwner(c)
	if !ok {
		return
	}

	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "validation_error",
		})
		return
	}

	if err := h.carts.Add(c.Request.Context(), owner, req.ProductID, req.Quantity, req.Override); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item added"})
}

// removeCartItem removes a single product from the cart.
func (h *Handler) removeCartItem(c *gin.Context) {
	owner, ok := cartOwner(c)
	if !ok {
		return
	}
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	removed, err := h.carts.Remove(c.Request.Context(), owner, productID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "item not in cart",
			"code":  "not_found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item removed"})
}

// clearCart empties the cart.
func (h *Handler) clearCart(c *gin.Context) {
	owner, ok := cartOwner(c)
	if !ok {
		return
	}
	if err := h.carts.Clear(c.Request.Context(), owner); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cart cleared"})
}

type createOrderRequest struct {
	ShippingState  string          `json:"shipping_state" binding:"required"`
	ShippingCity   string          `json:"shipping_city" binding:"required"`
	ShippingStreet string          `json:"shipping_street" binding:"required"`
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
}

// createOrder converts the caller's cart into an order.
func (h *Handler) createOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	owner, ok := cartOwner(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "validation_error",
		})
		return
	}

	order, err := h.orders.CreateFromCart(c.Request.Context(), owner, userID, models.ShippingAddress{
		State:  req.ShippingState,
		City:   req.ShippingCity,
		Street: req.ShippingStreet,
		Fee:    req.ShippingFee,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// listOrders returns the caller's order history.
func (h *Handler) listOrders(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	orders, err := h.orders.History(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder returns one of the caller's orders with its items.
func (h *Handler) getOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orders.Get(c.Request.Context(), orderID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder cancels an order that has not shipped.
func (h *Handler) cancelOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by customer"
	}

	if err := h.orders.Cancel(c.Request.Context(), orderID, userID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order cancelled"})
}

type applyCouponRequest struct {
	Code string `json:"code" binding:"required"`
}

// applyCoupon applies a coupon code to an unpaid order.
func (h *Handler) applyCoupon(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req applyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "coupon code is required",
			"code":  "validation_error",
		})
		return
	}

	order, err := h.coupons.Apply(c.Request.Context(), req.Code, orderID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type initiatePaymentRequest struct {
	Method string `json:"method" binding:"required"`
	Email  string `json:"email" binding:"required,email"`
}

// initiatePayment starts an external payment and returns the redirect.
func (h *Handler) initiatePayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "payment method and email are required",
			"code":  "validation_error",
		})
		return
	}

	payload, err := h.payments.Initiate(c.Request.Context(), orderID, userID, req.Method, req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payload})
}

type requestReturnRequest struct {
	ItemIDs []int64 `json:"item_ids" binding:"required"`
}

// requestReturn opens a return for delivered items.
func (h *Handler) requestReturn(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req requestReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_ids is required",
			"code":  "validation_error",
		})
		return
	}

	ret, err := h.returns.RequestReturn(c.Request.Context(), orderID, userID, req.ItemIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"return": ret})
}

type confirmShipmentRequest struct {
	TrackingNumber string `json:"tracking_number" binding:"required"`
}

// confirmReturnShipment records the return tracking number and
// dispatches the refund.
func (h *Handler) confirmReturnShipment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req confirmShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tracking_number is required",
			"code":  "validation_error",
		})
		return
	}

	ret, err := h.returns.ConfirmReturnShipment(c.Request.Context(), orderID, userID, req.TrackingNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"return": ret})
}

// paystackWebhook receives Paystack callbacks.
func (h *Handler) paystackWebhook(c *gin.Context) {
	h.handleWebhook(c, models.GatewayPaystack, c.GetHeader("x-paystack-signature"))
}

// flutterwaveWebhook receives Flutterwave callbacks.
func (h *Handler) flutterwaveWebhook(c *gin.Context) {
	h.handleWebhook(c, models.GatewayFlutterwave, c.GetHeader("verif-hash"))
}

// handleWebhook reads the raw body before any parsing so signature
// verification covers the exact bytes the provider signed.
func (h *Handler) handleWebhook(c *gin.Context, gatewayName, signature string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unreadable body",
			"code":  "validation_error",
		})
		return
	}

	if err := h.payments.HandleWebhook(c.Request.Context(), gatewayName, body, signature); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
