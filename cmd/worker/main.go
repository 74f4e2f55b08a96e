package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusattend/internal/config"
	"campusattend/internal/face"
	"campusattend/internal/observability"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// minEmbeddingsForVerification mirrors the engine's enrollment floor; the
// worker flips face_enrolled once a student reaches it.
const minEmbeddingsForVerification = 3

// Worker consumes enrollment jobs, extracts embeddings, and stores them.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

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
	} else {
		extractor = face.NewClient(cfg.FaceServiceURL)
		if err := extractor.Ready(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
			log.Println("worker will retry extraction when jobs arrive")
		} else {
			log.Println("face service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	imageClient := &http.Client{Timeout: 30 * time.Second}

	log.Println("worker started, waiting for enrollment jobs...")
	for msg := range messages {
		if msg.Type != "enroll" {
			continue
		}

		var job queue.EnrollJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			log.Printf("bad enroll job: %v", err)
			observability.EnrollmentsTotal.WithLabelValues("bad_job").Inc()
			continue
		}

		if err := processEnrollment(ctx, repo, extractor, imageClient, job); err != nil {
			log.Printf("enroll %s failed: %v", job.StudentID, err)
			observability.EnrollmentsTotal.WithLabelValues("failed").Inc()
			continue
		}
		observability.EnrollmentsTotal.WithLabelValues("ok").Inc()
		log.Printf("enrolled embedding for student %s", job.StudentID)

		time.Sleep(10 * time.Millisecond) // Small delay between jobs
	}

	log.Println("worker stopped")
}

func processEnrollment(ctx context.Context, repo *store.Repository, extractor face.Extractor,
	imageClient *http.Client, job queue.EnrollJob) error {
	image, err := fetchImage(ctx, imageClient, job.ImageURL)
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}
	if err := face.ValidateImage(image); err != nil {
		return err
	}
	if err := extractor.Ready(ctx); err != nil {
		return fmt.Errorf("extractor not ready: %w", err)
	}

	ext, err := extractor.Extract(ctx, image)
	if err != nil {
		return err
	}

	if err := repo.InsertEmbedding(ctx, job.StudentID, ext.Vector, job.ImageURL); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	count, err := repo.CountEmbeddings(ctx, job.StudentID)
	if err != nil {
		return fmt.Errorf("count embeddings: %w", err)
	}
	if count >= minEmbeddingsForVerification {
		if err := repo.SetFaceEnrolled(ctx, job.StudentID, true); err != nil {
			return fmt.Errorf("mark enrolled: %w", err)
		}
	}
	return nil
}

func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image fetch failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
