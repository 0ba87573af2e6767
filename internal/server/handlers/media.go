package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compat"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Prober inspects local files.
type Prober interface {
	Probe(ctx context.Context, path string) (*ttypes.MediaAsset, error)
}

// SizeEstimator predicts rendition sizes.
type SizeEstimator interface {
	EstimateSize(ctx context.Context, url string, target types.QualityTarget, selector string) *float64
}

// MediaHandler serves synchronous inspection endpoints.
type MediaHandler struct {
	prober    Prober
	policy    *compat.Policy
	estimator SizeEstimator
	crf       int
}

// NewMediaHandler creates a media handler. crf is the conversion quality
// used to predict converted sizes.
func NewMediaHandler(prober Prober, policy *compat.Policy, estimator SizeEstimator, crf int) *MediaHandler {
	if policy == nil {
		policy = compat.Default()
	}
	return &MediaHandler{prober: prober, policy: policy, estimator: estimator, crf: crf}
}

type probeRequest struct {
	Path string `json:"path" binding:"required"`
}

// Probe handles POST /api/v1/probe
func (h *MediaHandler) Probe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	asset, err := h.prober.Probe(c.Request.Context(), req.Path)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	verdict := h.policy.Check(asset)
	resp := gin.H{
		"asset":      asset,
		"verdict":    verdict,
		"compatible": verdict.Compatible(),
	}
	if !verdict.Compatible() {
		resp["converted_estimate_mb"] = compress.EstimateConvertedSize(asset.SizeMB(), asset.Duration, h.crf, 0)
	}
	c.JSON(http.StatusOK, resp)
}

type estimateRequest struct {
	URL       string `json:"url" binding:"required"`
	MinHeight int    `json:"min_height"`
	MaxHeight int    `json:"max_height"`
}

// Estimate handles POST /api/v1/estimate. Without a height range the medium
// rendition range is used. A null estimate_mb means the size is unknown.
func (h *MediaHandler) Estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	target := types.MediumTarget
	if req.MinHeight > 0 || req.MaxHeight > 0 {
		target = types.QualityTarget{
			Name:   "custom",
			Height: types.HeightRange{Min: req.MinHeight, Max: req.MaxHeight},
		}
	}
	selector := target.CompatibleSelector()

	c.JSON(http.StatusOK, gin.H{
		"url":         req.URL,
		"selector":    selector,
		"estimate_mb": h.estimator.EstimateSize(c.Request.Context(), req.URL, target, selector),
	})
}
