package handlers

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/bg-studio/internal/pipeline"
	"github.com/example/bg-studio/internal/rembg"
	"github.com/example/bg-studio/internal/sku"
	"github.com/example/bg-studio/internal/usecase"
)

// MaxUploadSize caps uploaded image payloads.
const MaxUploadSize = 15 << 20

//go:embed index.html
var indexHTML []byte

// RegisterRoutes wires the HTTP handlers to the Gin router. The optional
// middleware (auth) is applied to the /api group only; the page itself and the
// health probe stay open.
func RegisterRoutes(router *gin.Engine, uc *usecase.StudioUseCase, middleware ...gin.HandlerFunc) {
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sku_lookup": uc.LookupEnabled()})
	})

	api := router.Group("/api", middleware...)

	api.POST("/images", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload size limit"})
			return
		}
		if contentType := file.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image uploads are supported"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open uploaded file"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
			return
		}

		asset, err := uc.LoadFromUpload(c.Request.Context(), file.Filename, data)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, assetResponse(asset))
	})

	api.POST("/images/sku", func(c *gin.Context) {
		code := strings.TrimSpace(c.PostForm("sku"))
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sku is required"})
			return
		}

		asset, err := uc.LoadFromSKU(c.Request.Context(), code)
		if err != nil {
			respondError(c, err)
			return
		}

		response := assetResponse(asset)
		response["sku"] = asset.SKU
		response["source_url"] = asset.SourceURL
		c.JSON(http.StatusOK, response)
	})

	api.POST("/images/:id/cutout", func(c *gin.Context) {
		formatParam := c.PostForm("format")
		if formatParam == "" {
			formatParam = "png"
		}
		format, err := pipeline.ParseFormat(formatParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := uc.RemoveBackground(c.Request.Context(), c.Param("id"), format)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":   result.RequestID,
			"asset_id":     c.Param("id"),
			"processed_id": result.Asset.ID,
			"filename":     result.Asset.Filename,
			"format":       string(result.Format),
			"duration_ms":  result.Duration.Milliseconds(),
			"reused":       result.Reused,
		})
	})

	api.GET("/assets/:id", func(c *gin.Context) {
		asset, err := uc.GetAsset(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Filename))
		c.Data(http.StatusOK, asset.ContentType, asset.Data)
	})

	api.GET("/assets/:id/preview", func(c *gin.Context) {
		data, contentType, err := uc.Preview(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, contentType, data)
	})

	api.GET("/jobs", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		jobs, err := uc.ListJobs(c.Request.Context(), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	})

	api.GET("/jobs/:id", func(c *gin.Context) {
		job, err := uc.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":  job.RequestID,
			"sku":         job.SKU,
			"source":      job.Source,
			"format":      job.Format,
			"duration_ms": job.DurationMs,
			"success":     job.Success,
			"detail":      job.Detail,
			"created_at":  job.CreatedAt,
		})
	})

	api.GET("/stats", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func assetResponse(asset *usecase.Asset) gin.H {
	return gin.H{
		"asset_id":     asset.ID,
		"filename":     asset.Filename,
		"content_type": asset.ContentType,
		"width":        asset.Width,
		"height":       asset.Height,
	}
}

// respondError maps the error taxonomy to HTTP statuses with messages a user
// can act on. No request error ever takes the process down.
func respondError(c *gin.Context, err error) {
	var (
		notFound   *sku.NotFoundError
		noURL      *sku.NoURLError
		fetchErr   *pipeline.FetchError
		decodeErr  *pipeline.DecodeError
		removalErr *rembg.RemovalError
	)

	switch {
	case errors.Is(err, usecase.ErrLookupUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the SKU table is not available; loading images by SKU is disabled"})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no product image found for SKU %q", notFound.SKU)})
	case errors.As(err, &noURL):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no image URL is available for SKU %q", noURL.SKU)})
	case errors.Is(err, usecase.ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found; it may have expired, please load it again"})
	case errors.As(err, &fetchErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not download the product image; please check the URL or try again later"})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "the image could not be read; please use a valid PNG, JPEG or WEBP file"})
	case errors.As(err, &removalErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "background removal failed; the original image is still available for download"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
