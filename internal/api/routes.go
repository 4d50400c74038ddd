package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/descriptor-discovery/internal/db"
	"github.com/rawblock/descriptor-discovery/internal/discovery"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// maxImportBytes caps the request body of store imports to prevent
// runaway resource exhaustion from unconstrained requests.
const maxImportBytes = 64 << 20

type APIHandler struct {
	service   *discovery.Service
	snapshots *db.SnapshotStore
	wsHub     *Hub
}

func SetupRouter(service *discovery.Service, snapshots *db.SnapshotStore, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://wallet.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		service:   service,
		snapshots: snapshots,
		wsHub:     wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// The /fetch endpoint fans out into O(gap limit) explorer calls, so
	// rate-limit the protected group to 30 req/min per IP (burst=5).
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.POST("/fetch", handler.handleFetch)
		auth.GET("/utxos", handler.handleGetUtxos)
		auth.GET("/balance", handler.handleGetBalance)
		auth.GET("/history", handler.handleGetHistory)
		auth.GET("/descriptors", handler.handleGetUsedDescriptors)
		auth.GET("/accounts", handler.handleGetUsedAccounts)
		auth.GET("/next-index", handler.handleGetNextIndex)
		auth.GET("/tx/:txid", handler.handleGetTx)
		auth.GET("/export", handler.handleExport)
		auth.POST("/import", handler.handleImport)

		// ── Snapshot repository (optional, Postgres-backed) ───────
		snap := auth.Group("/snapshots")
		{
			snap.POST("", handler.handleSaveSnapshot)
			snap.GET("", handler.handleListSnapshots)
			snap.GET("/:id", handler.handleLoadSnapshot)
		}
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"network": h.service.Network(),
	})
}

// statusCode maps engine error kinds onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFetched):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateScriptPubKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrVersionMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusCode(err), gin.H{"error": err.Error()})
}

type fetchBody struct {
	Descriptor  string                  `json:"descriptor"`
	Descriptors []string                `json:"descriptors"`
	Index       *models.DescriptorIndex `json:"index"`
	GapLimit    int                     `json:"gapLimit"`
}

func (h *APIHandler) handleFetch(c *gin.Context) {
	var body fetchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.service.Fetch(c.Request.Context(), discovery.FetchRequest{
		Descriptor:  body.Descriptor,
		Descriptors: body.Descriptors,
		Index:       body.Index,
		GapLimit:    body.GapLimit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "fetched"})
}

// criteria builds OutputCriteria from query parameters: descriptor (or
// comma-separated descriptors), index, txStatus.
func criteria(c *gin.Context) (discovery.OutputCriteria, error) {
	oc := discovery.OutputCriteria{
		Descriptor: c.Query("descriptor"),
		TxStatus:   models.TxStatus(c.DefaultQuery("txStatus", string(models.TxStatusAll))),
	}
	if list := c.Query("descriptors"); list != "" {
		oc.Descriptors = strings.Split(list, ",")
	}
	if raw := c.Query("index"); raw != "" {
		index, err := models.ParseDescriptorIndex(raw)
		if err != nil {
			return oc, err
		}
		oc.Index = &index
	}
	return oc, nil
}

func (h *APIHandler) handleGetUtxos(c *gin.Context) {
	oc, err := criteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.service.GetUtxosAndBalance(oc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleGetBalance(c *gin.Context) {
	oc, err := criteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := h.service.GetBalance(oc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (h *APIHandler) handleGetHistory(c *gin.Context) {
	oc, err := criteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.Query("attributions") == "true" {
		attributions, err := h.service.GetHistoryWithAttributions(oc)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": attributions})
		return
	}
	history, err := h.service.GetHistory(oc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *APIHandler) handleGetUsedDescriptors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"descriptors": h.service.GetUsedDescriptors()})
}

func (h *APIHandler) handleGetUsedAccounts(c *gin.Context) {
	accounts, err := h.service.GetUsedAccounts()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *APIHandler) handleGetNextIndex(c *gin.Context) {
	index, err := h.service.GetNextIndex(discovery.NextIndexRequest{
		Descriptor: c.Query("descriptor"),
		TxStatus:   models.TxStatus(c.DefaultQuery("txStatus", string(models.TxStatusAll))),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextIndex": index})
}

func (h *APIHandler) handleGetTx(c *gin.Context) {
	txHex, err := h.service.GetTxHex(discovery.TxRequest{TxID: c.Param("txid")})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHex": txHex})
}

func (h *APIHandler) handleExport(c *gin.Context) {
	data, err := h.service.Export()
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *APIHandler) handleImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Import(data); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "imported"})
}

func (h *APIHandler) handleSaveSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	data, err := h.service.Export()
	if err != nil {
		fail(c, err)
		return
	}
	id, err := h.snapshots.Save(context.Background(), string(h.service.Network()), data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *APIHandler) handleListSnapshots(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	list, err := h.snapshots.List(context.Background(), string(h.service.Network()))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list})
}

func (h *APIHandler) handleLoadSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	data, err := h.snapshots.Load(context.Background(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.service.Import(data); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}
