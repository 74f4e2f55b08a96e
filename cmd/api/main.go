package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusattend/internal/auth"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/engine"
	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/queue"
	"campusattend/internal/spoof"
	"campusattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			return err
		}
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:enrollments")
	}

	repo := store.NewRepository(db.Client)

	var extractor face.Extractor
	if cfg.FaceStub {
		extractor = face.NewStub(128)
		log.Println("face extractor: deterministic stub")
	} else {
		extractor = face.NewClient(cfg.FaceServiceURL)
		log.Println("face extractor: service at", cfg.FaceServiceURL)
	}

	detector := spoof.NewDetector(cfg.MaxPlausibleSpeedKMH, cfg.SpoofKeywords)

	dec := engine.New(engine.Policy{
		CollegeFence: geo.Fence{
			Center:       geo.Point{Lat: cfg.CollegeLat, Lng: cfg.CollegeLng},
			RadiusMeters: cfg.CollegeRadiusMeters,
		},
		TeacherRadiusMeters: cfg.TeacherRadiusMeters,
		FaceSimilarityMin:   cfg.FaceSimilarityMin,
		MatchDistanceMax:    cfg.MatchDistanceMax,
		LivenessThreshold:   cfg.LivenessThreshold,
		WindowBeforeMinutes: cfg.WindowBeforeMinutes,
		WindowAfterMinutes:  cfg.WindowAfterMinutes,
		LatenessMinutes:     cfg.LatenessMinutes,
		MaxAttempts:         cfg.MaxAttempts,
		AttemptWindow:       time.Duration(cfg.AttemptWindowMinutes) * time.Minute,
	}, extractor, detector, repo, repo, repo)

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		faceReady := extractor.Ready(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy || !faceReady {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "face": faceReady})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID  string `json:"device_id" binding:"required"`
			StudentID string `json:"student_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.UpsertStudent(c.Request.Context(), req.StudentID, nil); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, "student", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}

		// Rotate: the presented token is dead either way.
		if err := repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
			log.Printf("revoke refresh token failed: %v", err)
		}

		tokens, err := auth.Issue(claims.DeviceID, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), claims.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/students/:id", func(c *gin.Context) {
		student, err := repo.GetStudent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if student == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		count, err := repo.CountEmbeddings(c.Request.Context(), student.StudentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"student":             student,
			"embeddings_enrolled": count,
		})
	})

	// Enrollment: upload a face image, then queue embedding extraction for
	// the worker. A student needs 3 embeddings before verification works.
	authGroup.POST("/enroll", func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		studentID := c.Query("student_id")
		contentType := c.ContentType()
		var result *cloudinary.UploadResult
		var err error

		switch {
		case strings.Contains(contentType, "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			if verr := face.ValidateImage(data); verr != nil {
				respondExtractionError(c, verr)
				return
			}
			if studentID == "" {
				studentID = c.Request.FormValue("student_id")
			}
			result, err = cdnClient.UploadBytes(data, header.Filename)

		default:
			var body struct {
				StudentID string `json:"student_id" binding:"required"`
				Data      string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"student_id\": \"...\", \"data\": \"<base64 data URL>\"}"})
				return
			}
			studentID = body.StudentID
			if raw, derr := decodeDataURL(body.Data); derr == nil {
				if verr := face.ValidateImage(raw); verr != nil {
					respondExtractionError(c, verr)
					return
				}
			}
			result, err = cdnClient.UploadBase64(body.Data)
		}

		if studentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_id required"})
			return
		}
		if err != nil {
			log.Printf("cloudinary upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}

		msg, err := queue.NewEnrollMessage(queue.EnrollJob{StudentID: studentID, ImageURL: result.SecureURL})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		if err := q.Publish(c.Request.Context(), msg); err != nil {
			log.Printf("queue publish failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"student_id": studentID,
			"image_url":  result.SecureURL,
			"status":     "queued",
		})
	})

	authGroup.POST("/attendance", func(c *gin.Context) {
		var req struct {
			StudentID string     `json:"student_id" binding:"required"`
			ClassID   string     `json:"class_id" binding:"required"`
			Location  geo.Point  `json:"location" binding:"required"`
			Previous  *geo.Point `json:"previous_location"`
			Image     string     `json:"image" binding:"required"`
			UserAgent string     `json:"user_agent"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		image, err := decodeDataURL(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image must be base64 encoded"})
			return
		}

		ua := req.UserAgent
		if ua == "" {
			ua = c.Request.UserAgent()
		}

		sub := engine.Submission{
			StudentID:        req.StudentID,
			ClassID:          req.ClassID,
			Location:         req.Location,
			PreviousLocation: req.Previous,
			FaceImage:        image,
			UserAgent:        ua,
			SubmittedAt:      time.Now().UTC(),
		}

		decision, err := dec.Decide(c.Request.Context(), sub)
		if err != nil {
			respondDecideError(c, repo, sub, err)
			return
		}

		if claims, ok := auth.FromContext(c); ok {
			log.Printf("decision student=%s class=%s device=%s status=%s flags=%d",
				sub.StudentID, sub.ClassID, claims.DeviceID, decision.Status, len(decision.Flags))
		}

		// Every evaluated submission counts toward the attempt window.
		if aerr := repo.RecordAttempt(c.Request.Context(), sub.StudentID, sub.ClassID, sub.SubmittedAt); aerr != nil {
			log.Printf("record attempt failed: %v", aerr)
		}

		outcomes, _ := json.Marshal(gin.H{
			"location": decision.Location,
			"face":     decision.Face,
			"time":     decision.Time,
		})
		rec, err := repo.InsertRecord(c.Request.Context(), store.AttendanceRecord{
			StudentID:   sub.StudentID,
			ClassID:     sub.ClassID,
			Status:      decision.Status,
			MinutesLate: decision.MinutesLate,
			Flags:       decision.Flags,
			Outcomes:    outcomes,
			RecordedAt:  sub.SubmittedAt,
		})
		if err != nil {
			log.Printf("persist record failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record persistence failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"record_id":    rec.ID,
			"status":       decision.Status,
			"minutes_late": decision.MinutesLate,
			"flags":        decision.Flags,
			"outcomes": gin.H{
				"location": decision.Location,
				"face":     decision.Face,
				"time":     decision.Time,
			},
		})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		studentID := c.Query("student_id")
		classID := c.Query("class_id")
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := repo.ListRecords(c.Request.Context(), studentID, classID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.GET("/classes/:id/session", func(c *gin.Context) {
		session, err := repo.GetClassSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":             session.Status,
			"start_time":         session.StartTime,
			"teacher_radius_m":   session.TeacherRadiusMeters,
			"window_before_min":  session.WindowBeforeMinutes,
			"window_after_min":   session.WindowAfterMinutes,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// respondDecideError maps engine failures onto HTTP statuses. A veto also
// records the attempt; precondition failures do not.
func respondDecideError(c *gin.Context, repo *store.Repository, sub engine.Submission, err error) {
	var veto *engine.VetoError
	switch {
	case errors.As(err, &veto):
		if aerr := repo.RecordAttempt(c.Request.Context(), sub.StudentID, sub.ClassID, sub.SubmittedAt); aerr != nil {
			log.Printf("record attempt failed: %v", aerr)
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":       veto.Reason,
			"suggestions": veto.Suggestions,
			"outcomes": gin.H{
				"location": veto.Location,
				"face":     veto.Face,
				"time":     veto.Time,
			},
		})
	case errors.Is(err, geo.ErrInvalidCoordinate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInsufficientEnrollment):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       err.Error(),
			"suggestions": []string{"enroll at least 3 face photos before marking attendance"},
		})
	case errors.Is(err, engine.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrSessionNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("decision failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification unavailable"})
	}
}

func respondExtractionError(c *gin.Context, err error) {
	var extErr *face.ExtractionError
	if errors.As(err, &extErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       extErr.Reason,
			"suggestions": extErr.Suggestions,
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// decodeDataURL accepts a raw base64 string or a data URL and returns bytes.
func decodeDataURL(data string) ([]byte, error) {
	if i := strings.Index(data, "base64,"); i >= 0 {
		data = data[i+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(data)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
