package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/clientprint/internal/ensemble"
	"github.com/rawblock/clientprint/internal/opsmetrics"
	"github.com/rawblock/clientprint/internal/store"
	"github.com/rawblock/clientprint/pkg/models"
)

// Handler wires the classifier ensemble, the block store, the websocket
// broadcast hub, and the metrics registry into the engine's HTTP surface.
type Handler struct {
	ensemble *ensemble.Ensemble
	store    *store.Store
	wsHub    *Hub
	metrics  *opsmetrics.Metrics
}

// SetupRouter builds the gin engine: public health/stream endpoints, then a
// bearer-token-protected, rate-limited group carrying every classification
// and query route. ctx bounds the rate limiter's background janitor —
// cancel it to stop that goroutine along with everything else cmd/engine
// runs under the same context.
func SetupRouter(ctx context.Context, ens *ensemble.Ensemble, st *store.Store, wsHub *Hub, metrics *opsmetrics.Metrics) *gin.Engine {
	r := gin.Default()

	// CORS, configurable via ALLOWED_ORIGINS for dashboard clients.
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
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &Handler{ensemble: ens, store: st, wsHub: wsHub, metrics: metrics}

	if metrics != nil {
		r.Use(requestDurationMiddleware(metrics))
	}

	pub := r.Group("/")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	protected := r.Group("/")
	protected.Use(NewAuthenticator(os.Getenv("API_AUTH_TOKEN")).Middleware())
	protected.Use(NewRateLimiter(ctx, 60, 10).Middleware())
	{
		protected.POST("/classify", h.handleClassify)
		protected.POST("/classify/no_store", h.handleClassifyNoStore)
		protected.GET("/sync/status", h.handleSyncStatus)
		protected.GET("/sync/gaps", h.handleSyncGaps)
		protected.GET("/blocks_per_client/:start_epoch", h.handleBlocksPerClient)
		protected.GET("/blocks_per_client/:start_epoch/:end_epoch", h.handleBlocksPerClient)
		protected.GET("/validator/:index/blocks", h.handleValidatorBlocks)
		protected.GET("/validator/:index/blocks/:since_slot", h.handleValidatorBlocks)
		protected.POST("/validator/blocks", h.handleValidatorBlocksBatch)
		protected.POST("/validator/blocks/:since_slot", h.handleValidatorBlocksBatch)
		protected.GET("/validator/blocks/latest", h.handleValidatorBlocksLatest)
		protected.GET("/blocks/:start_slot", h.handleBlocks)
		protected.GET("/blocks/:start_slot/:end_slot", h.handleBlocks)
		protected.GET("/confusion/:client/:start_slot/:end_slot", h.handleConfusion)
	}

	return r
}

// requestDurationMiddleware records HTTP latency by route and status class
// into clientprint_http_request_duration_seconds. c.FullPath() is used
// instead of the raw URL so that
// parameterized routes (e.g. /blocks/:start_slot) collapse into one series
// instead of one per distinct slot value.
func requestDurationMiddleware(metrics *opsmetrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		statusClass := strconv.Itoa(c.Writer.Status()/100) + "xx"
		metrics.HTTPRequestDuration.WithLabelValues(route, statusClass).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireEnsemble rejects classification requests with 503 when the engine
// is running in store-query-only mode (DISABLE_CLASSIFIER); the query and
// sync routes stay fully usable.
func (h *Handler) requireEnsemble(c *gin.Context) bool {
	if h.ensemble == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier is disabled"})
		return false
	}
	return true
}

// handleClassify implements POST /classify: classify and persist every
// record in the body.
func (h *Handler) handleClassify(c *gin.Context) {
	if !h.requireEnsemble(c) {
		return
	}
	records, ok := bindRecords(c)
	if !ok {
		return
	}

	rows := make([]models.BlockRow, 0, len(records))
	for i := range records {
		r := records[i]
		result, err := h.ensemble.Classify(&r)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if h.metrics != nil {
			h.metrics.ObserveClassification(result.Label)
		}
		rows = append(rows, toBlockRow(&r, result))
	}

	if err := h.store.InsertBlocks(c.Request.Context(), rows); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.wsHub != nil {
		for _, row := range rows {
			h.wsHub.BroadcastRow(row)
		}
	}

	c.JSON(http.StatusOK, "OK")
}

// handleClassifyNoStore implements POST /classify/no_store: classify
// without persisting.
func (h *Handler) handleClassifyNoStore(c *gin.Context) {
	if !h.requireEnsemble(c) {
		return
	}
	records, ok := bindRecords(c)
	if !ok {
		return
	}

	type guess struct {
		BestGuessSingle models.ClientLabel `json:"best_guess_single"`
	}
	out := make([]guess, 0, len(records))
	for i := range records {
		r := records[i]
		result, err := h.ensemble.Classify(&r)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, guess{BestGuessSingle: result.Label})
	}

	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleSyncStatus(c *gin.Context) {
	maxSlot, synced, err := h.store.SyncStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"greatest_block_slot": maxSlot, "synced": synced})
}

func (h *Handler) handleSyncGaps(c *gin.Context) {
	gaps, err := h.store.SyncGaps(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if gaps == nil {
		gaps = []models.SyncGap{}
	}
	c.JSON(http.StatusOK, gaps)
}

func (h *Handler) handleBlocksPerClient(c *gin.Context) {
	startEpoch, err := strconv.ParseUint(c.Param("start_epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_epoch"})
		return
	}

	startSlot := startEpoch * 32
	endSlot := startSlot + 32 // exclusive default: one epoch
	if raw := c.Param("end_epoch"); raw != "" {
		endEpoch, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_epoch"})
			return
		}
		endSlot = endEpoch * 32
	}

	counts, err := h.store.BlocksPerClient(c.Request.Context(), startSlot, endSlot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) handleValidatorBlocks(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid validator index"})
		return
	}
	sinceSlot, ok := parseOptionalSlot(c, "since_slot")
	if !ok {
		return
	}

	rows, err := h.store.ValidatorBlocks(c.Request.Context(), index, sinceSlot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []models.BlockRow{}
	}
	c.JSON(http.StatusOK, rows)
}

// handleValidatorBlocksBatch implements POST /validator/blocks[/{since_slot}]:
// the body must be a JSON array of validator indexes.
func (h *Handler) handleValidatorBlocksBatch(c *gin.Context) {
	var indexes []uint64
	if err := c.ShouldBindJSON(&indexes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of integers"})
		return
	}
	sinceSlot, ok := parseOptionalSlot(c, "since_slot")
	if !ok {
		return
	}

	out := make(map[string][]models.BlockRow, len(indexes))
	for _, idx := range indexes {
		rows, err := h.store.ValidatorBlocks(c.Request.Context(), idx, sinceSlot)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []models.BlockRow{}
		}
		out[strconv.FormatUint(idx, 10)] = rows
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleValidatorBlocksLatest(c *gin.Context) {
	rows, err := h.store.AllValidatorsLatestBlocks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.LatestBlock{}
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) handleBlocks(c *gin.Context) {
	startSlot, err := strconv.ParseUint(c.Param("start_slot"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_slot"})
		return
	}

	var endSlot *uint64
	if raw := c.Param("end_slot"); raw != "" {
		end, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_slot"})
			return
		}
		endSlot = &end
	}

	rows, err := h.store.Blocks(c.Request.Context(), startSlot, endSlot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []models.BlockRow{}
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) handleConfusion(c *gin.Context) {
	client := models.ClientLabel(c.Param("client"))
	startSlot, err := strconv.ParseUint(c.Param("start_slot"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_slot"})
		return
	}
	endSlot, err := strconv.ParseUint(c.Param("end_slot"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_slot"})
		return
	}

	counts, err := h.store.Confusion(c.Request.Context(), client, startSlot, endSlot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// bindRecords decodes the request body as an array of reward records,
// writing a 400 response and returning ok=false on any malformed record: a
// record that is not an object, or lacks block_root or
// attestation_rewards.per_attestation_rewards.
func bindRecords(c *gin.Context) ([]models.RewardRecord, bool) {
	var records []models.RewardRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return nil, false
	}
	for _, r := range records {
		if !r.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed record: missing block_root or attestation_rewards.per_attestation_rewards"})
			return nil, false
		}
	}
	return records, true
}

func parseOptionalSlot(c *gin.Context, param string) (uint64, bool) {
	raw := c.Param(param)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return 0, false
	}
	return v, true
}

func toBlockRow(r *models.RewardRecord, result models.ClassifyResult) models.BlockRow {
	return models.BlockRow{
		Slot:            r.Meta.Slot,
		ParentSlot:      r.Meta.ParentSlot,
		ProposerIndex:   r.Meta.ProposerIndex,
		BestGuessSingle: result.Label,
		BestGuessMulti:  result.MultiLabel,
		Probabilities:   result.ProbabilityMap,
		GraffitiGuess:   result.GraffitiGuess,
	}
}

